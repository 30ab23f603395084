package forward

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

const maxReplyRunes = 4000

// Command is a parsed in-session command such as ".hiyaok 5".
type Command struct {
	Name string
	Args []string
}

var commandNames = map[string]struct{}{
	"hiyaok": {}, "detail": {}, "setdelay": {}, "stop": {}, "delforward": {},
	"listgrup": {}, "ban": {}, "listban": {}, "deleteban": {}, "status": {}, "help": {},
}

// ParseCommand accepts ".", "!" or "/" followed by a known command name,
// case-insensitively.
func ParseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || !strings.ContainsRune(".!/", rune(text[0])) {
		return Command{}, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	name := strings.ToLower(fields[0])
	if _, ok := commandNames[name]; !ok {
		return Command{}, false
	}
	return Command{Name: name, Args: fields[1:]}, true
}

// Handle executes a command typed by the account itself. It reports whether
// the message was a command.
func (s *Scheduler) Handle(ctx context.Context, in platform.Incoming) bool {
	if !in.Out {
		return false
	}
	cmd, ok := ParseCommand(in.Text)
	if !ok {
		return false
	}
	reply := s.dispatch(ctx, cmd, in)
	if reply == "" {
		return true
	}
	for _, chunk := range splitText(reply, maxReplyRunes) {
		if _, err := s.client.Reply(ctx, in.Ref, chunk); err != nil {
			s.log.Warn("command reply failed", logx.String("cmd", cmd.Name), logx.Err(err))
			break
		}
	}
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, cmd Command, in platform.Incoming) string {
	switch cmd.Name {
	case "help":
		return fmt.Sprintf(helpText, s.opts.MaxTasks)
	case "hiyaok":
		return s.cmdStart(cmd, in)
	case "detail":
		return s.cmdDetail()
	case "setdelay":
		return s.cmdSetDelay(cmd)
	case "stop":
		return s.cmdStop()
	case "delforward":
		return s.cmdDelete(cmd)
	case "listgrup":
		return s.cmdListGroups(ctx)
	case "ban":
		return s.cmdBan(ctx, in, true)
	case "deleteban":
		return s.cmdBan(ctx, in, false)
	case "listban":
		return s.cmdListBanned(ctx)
	case "status":
		return s.cmdStatus()
	}
	return ""
}

func (s *Scheduler) cmdStart(cmd Command, in platform.Incoming) string {
	if in.ReplyTo == 0 {
		return "❌ Error: Please reply to a message to forward"
	}
	if len(cmd.Args) != 1 {
		return "❌ Error: Invalid command format\nUsage: .hiyaok <delay>\nExample: .hiyaok 5 (5 minutes delay)"
	}
	delay, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return "❌ Error: Invalid command format\nUsage: .hiyaok <delay>\nExample: .hiyaok 5 (5 minutes delay)"
	}
	source := platform.MessageRef{ChatID: in.Ref.ChatID, ID: in.ReplyTo}
	id, err := s.Start(source, delay, in.Ref)
	switch {
	case errors.Is(err, ErrInvalidDelay):
		return "⚠️ Error: Delay must be at least 1 minute"
	case errors.Is(err, ErrCapacity):
		return fmt.Sprintf("⚠️ Error: Maximum forward tasks (%d) reached!\nUse .stop or .delforward to remove existing tasks first.", s.opts.MaxTasks)
	case errors.Is(err, ErrDuplicate):
		return "⚠️ Error: This message is already being forwarded!\nTask ID: " + id
	case err != nil:
		return "❌ Error: " + err.Error()
	}
	// The task loop posts its own status reply.
	return ""
}

func (s *Scheduler) cmdDetail() string {
	tasks := s.List()
	if len(tasks) == 0 {
		return "📝 No active forward tasks."
	}
	parts := make([]string, 0, len(tasks))
	for _, ti := range tasks {
		parts = append(parts, taskDetail(ti))
	}
	return "📋 Active Forward Tasks:\n\n" + strings.Join(parts, "\n\n")
}

func (s *Scheduler) cmdSetDelay(cmd Command) string {
	usage := "❌ Error: Invalid command format\nUsage: .setdelay <task_id> <minutes>\nExample: .setdelay 123_456 5"
	if len(cmd.Args) != 2 {
		return usage
	}
	minutes, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		return usage
	}
	switch err := s.SetDelay(cmd.Args[0], minutes); {
	case errors.Is(err, ErrInvalidDelay):
		return "⚠️ Error: Delay must be at least 1 minute"
	case errors.Is(err, ErrNotFound):
		return "❌ Error: Task not found!"
	}
	return fmt.Sprintf("⏱️ Success: Delay for task %s set to %d minutes", cmd.Args[0], minutes)
}

func (s *Scheduler) cmdStop() string {
	stopped := s.StopAll()
	if len(stopped) == 0 {
		return "ℹ️ No active tasks to stop."
	}
	parts := make([]string, 0, len(stopped))
	for _, ti := range stopped {
		parts = append(parts, taskFinal(ti))
	}
	return fmt.Sprintf("🛑 Stopped %d forward tasks\n\nTask Details:\n%s", len(stopped), strings.Join(parts, "\n\n"))
}

func (s *Scheduler) cmdDelete(cmd Command) string {
	if len(cmd.Args) == 0 {
		return "❌ Error: Please specify task ID\nUsage: .delforward <task_id>\nUse .detail to see task IDs."
	}
	ti, err := s.Delete(cmd.Args[0])
	if err != nil {
		return "❌ Error: Task not found!\nUse .detail to see active tasks."
	}
	return "✅ Forward task deleted\n\n" + taskFinal(ti)
}

func (s *Scheduler) cmdListGroups(ctx context.Context) string {
	dialogs, err := s.client.Dialogs(ctx)
	if err != nil {
		return "❌ Error: could not list groups, try again later."
	}
	var parts []string
	for _, d := range dialogs {
		if !d.IsGroup {
			continue
		}
		members := "?"
		if n, err := s.client.MemberCount(ctx, d.ID); err == nil {
			members = strconv.Itoa(n)
		}
		state := "✅ Active"
		if s.IsBanned(d.ID) {
			state = "🚫 Banned"
		}
		parts = append(parts, fmt.Sprintf("📢 Group: %s\n🆔 ID: %d\n👥 Members: %s\n%s", d.Title, d.ID, members, state))
	}
	if len(parts) == 0 {
		return "📋 No groups found."
	}
	return "📋 Your Groups List:\n\n" + strings.Join(parts, "\n\n")
}

func (s *Scheduler) cmdBan(ctx context.Context, in platform.Incoming, ban bool) string {
	if !in.IsGroup {
		return "❌ This command only works in groups!"
	}
	chatID := in.Ref.ChatID
	title, err := s.client.ChatTitle(ctx, chatID)
	if err != nil {
		title = "unknown"
	}
	if ban {
		if !s.Ban(chatID) {
			return "ℹ️ This group is already banned from forwards."
		}
		return fmt.Sprintf("🚫 Group Banned from Forwards\n\n👥 Group Details:\n• Name: %s\n• ID: %d\n\nUse .deleteban in this group to unban.", title, chatID)
	}
	if !s.Unban(chatID) {
		return "ℹ️ This group is not banned."
	}
	return fmt.Sprintf("✅ Group Unbanned\n\n👥 Group Details:\n• Name: %s\n• ID: %d\n\nThis group will now receive forwards.", title, chatID)
}

func (s *Scheduler) cmdListBanned(ctx context.Context) string {
	ids := s.Banned()
	if len(ids) == 0 {
		return "📋 No banned groups"
	}
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		title, err := s.client.ChatTitle(ctx, id)
		if err != nil || title == "" {
			title = "unknown"
		}
		lines = append(lines, fmt.Sprintf("• %s (%d)", title, id))
	}
	return fmt.Sprintf("📋 Banned Groups List:\n%s\n\nTotal: %d groups", strings.Join(lines, "\n"), len(ids))
}

func (s *Scheduler) cmdStatus() string {
	sum := s.Summary()
	return fmt.Sprintf("🤖 Userbot Status\n⏱ Uptime: %s\n🔄 Active tasks: %d/%d\n🚫 Banned groups: %d\n✅ Total Success: %d\n❌ Total Failed: %d",
		formatRuntime(sum.Uptime), sum.Tasks, sum.MaxTasks, sum.Banned, sum.Success, sum.Failed)
}

// splitText cuts s into chunks of at most n runes, preferring line breaks.
func splitText(s string, n int) []string {
	var out []string
	for len([]rune(s)) > n {
		r := []rune(s)
		cut := n
		if i := strings.LastIndex(string(r[:n]), "\n"); i > 0 {
			cut = len([]rune(string(r[:n])[:i]))
		}
		out = append(out, strings.TrimRight(string(r[:cut]), "\n"))
		s = strings.TrimLeft(string(r[cut:]), "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

const helpText = `📱 USERBOT COMMANDS

📤 Forward Commands:
• .hiyaok <delay> - Start forwarding message (reply to message)
  Example: .hiyaok 5 (5 minutes delay)
• .detail - Show active forward tasks details
• .stop - Stop all forward tasks
• .delforward <task_id> - Delete specific forward task
• .setdelay <task_id> <minutes> - Set delay for specific task
• .status - Session summary

👥 Group Management:
• .listgrup - List all groups
• .ban - Ban current group from forwards
• .listban - List banned groups
• .deleteban - Remove current group from ban list

⚙️ Notes:
• Maximum %d simultaneous forward tasks
• Each task forwards to all groups except banned ones
• Forward process: Send to all groups → Wait delay → Repeat
• Tasks auto-stop if the original message is deleted

❗️ If you encounter any issues, use .stop to stop all tasks`
