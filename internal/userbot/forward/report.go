package forward

import (
	"fmt"
	"strings"
	"time"
)

const startingText = "🔄 Starting forward process..."

// formatRuntime renders d as "Hh Mm Ss".
func formatRuntime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%dh %dm %ds", h, m, sec)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func failureLines(fs []Failure) string {
	if len(fs) == 0 {
		return "None"
	}
	lines := make([]string, 0, 6)
	for i, f := range fs {
		if i == 5 {
			lines = append(lines, "...")
			break
		}
		lines = append(lines, f.String())
	}
	return strings.Join(lines, "\n")
}

func statusText(ti TaskInfo, cycle CycleResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Forward Status\n")
	fmt.Fprintf(&b, "🆔 Task ID: %s\n", ti.ID)
	fmt.Fprintf(&b, "⏱ Runtime: %s\n\n", formatRuntime(ti.Runtime))
	fmt.Fprintf(&b, "📝 Message Preview:\n%s...\n\n", clip(ti.Preview, 100))
	fmt.Fprintf(&b, "📈 Current Cycle (#%d):\n✅ Success: %d\n❌ Failed: %d\n\n", ti.Cycles, cycle.Success, cycle.Failed)
	fmt.Fprintf(&b, "📊 Total Stats:\n✅ Total Success: %d\n❌ Total Failed: %d\n\n", ti.Success, ti.Failed)
	fmt.Fprintf(&b, "⚠️ Failed Groups (Last Cycle):\n%s\n\n", failureLines(cycle.Failures))
	fmt.Fprintf(&b, "⏳ Waiting %d minutes before next cycle...", ti.DelayMinutes)
	return b.String()
}

func stoppedText(ti TaskInfo) string {
	return fmt.Sprintf("⚠️ Forward Task Stopped!\n\n"+
		"❌ Reason: Original message was deleted or not found\n"+
		"🆔 Task ID: %s\n\n"+
		"📊 Final Stats:\n✅ Total Success: %d\n❌ Total Failed: %d\n⏱ Runtime: %s",
		ti.ID, ti.Success, ti.Failed, formatRuntime(ti.Runtime))
}

func cycleErrorText(id string, err error, delay int) string {
	return fmt.Sprintf("⚠️ Forward Error:\nTask ID: %s\nError: %s\n\nTask will continue in %d minutes...", id, err, delay)
}

func taskDetail(ti TaskInfo) string {
	return fmt.Sprintf("🔄 Task ID: %s\n📝 Preview: %s...\n⏱ Delay: %d minutes\n⏳ Runtime: %s\n📊 Stats:\n• Total Success: %d\n• Total Failed: %d",
		ti.ID, clip(ti.Preview, 100), ti.DelayMinutes, formatRuntime(ti.Runtime), ti.Success, ti.Failed)
}

func taskFinal(ti TaskInfo) string {
	return fmt.Sprintf("🆔 Task ID: %s\n📊 Stats:\n• Success: %d\n• Failed: %d\n⏱ Runtime: %s",
		ti.ID, ti.Success, ti.Failed, formatRuntime(ti.Runtime))
}
