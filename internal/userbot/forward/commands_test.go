package forward

import (
	"strings"
	"testing"
	"time"

	"userbotd/internal/userbot/platform"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		name string
		args int
		ok   bool
	}{
		{".hiyaok 5", "hiyaok", 1, true},
		{"!HIYAOK 5", "hiyaok", 1, true},
		{"/Detail", "detail", 0, true},
		{".setdelay -100_1 3", "setdelay", 2, true},
		{"  .stop  ", "stop", 0, true},
		{".banned", "", 0, false},
		{"hiyaok 5", "", 0, false},
		{"#help", "", 0, false},
		{".", "", 0, false},
	}
	for _, tc := range cases {
		cmd, ok := ParseCommand(tc.in)
		if ok != tc.ok || cmd.Name != tc.name || len(cmd.Args) != tc.args {
			t.Errorf("ParseCommand(%q) = %+v, %v", tc.in, cmd, ok)
		}
	}
}

func TestHandleOnlyOwnMessages(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1)
	s := newTestScheduler(t, c, time.Hour)
	in := platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 9}, Text: ".help"}
	if s.Handle(t.Context(), in) {
		t.Fatal("incoming message from someone else handled")
	}
	in.Out = true
	if !s.Handle(t.Context(), in) || !strings.Contains(c.lastReply(), "USERBOT COMMANDS") {
		t.Fatalf("help reply = %q", c.lastReply())
	}
}

func TestHandleStartFlow(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1, -2)
	c.put(platform.MessageRef{ChatID: -1, ID: 4}, "promo")
	s := newTestScheduler(t, c, time.Hour)
	ctx := t.Context()

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 9}, Text: ".hiyaok 5", Out: true})
	if !strings.Contains(c.lastReply(), "reply to a message") {
		t.Fatalf("no-reply error = %q", c.lastReply())
	}

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 10}, ReplyTo: 4, Text: ".hiyaok 0", Out: true})
	if !strings.Contains(c.lastReply(), "at least 1 minute") {
		t.Fatalf("delay error = %q", c.lastReply())
	}

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 11}, ReplyTo: 4, Text: ".hiyaok 5", Out: true})
	waitFor(t, "status report", func() bool { return c.editsContaining("Forward Status") == 1 })

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 12}, ReplyTo: 4, Text: ".hiyaok 5", Out: true})
	if !strings.Contains(c.lastReply(), "already being forwarded") || !strings.Contains(c.lastReply(), "-1_4") {
		t.Fatalf("duplicate reply = %q", c.lastReply())
	}

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 13}, Text: ".detail", Out: true})
	if !strings.Contains(c.lastReply(), "Task ID: -1_4") {
		t.Fatalf("detail reply = %q", c.lastReply())
	}

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 14}, Text: ".stop", Out: true})
	if !strings.Contains(c.lastReply(), "Stopped 1 forward tasks") {
		t.Fatalf("stop reply = %q", c.lastReply())
	}
	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 15}, Text: ".stop", Out: true})
	if !strings.Contains(c.lastReply(), "No active tasks") {
		t.Fatalf("second stop reply = %q", c.lastReply())
	}
}

func TestHandleBanCommands(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1, -2)
	s := newTestScheduler(t, c, time.Hour)
	ctx := t.Context()

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: 77, ID: 1}, Text: ".ban", Out: true})
	if !strings.Contains(c.lastReply(), "only works in groups") {
		t.Fatalf("private ban reply = %q", c.lastReply())
	}

	in := platform.Incoming{Ref: platform.MessageRef{ChatID: -2, ID: 2}, Text: ".ban", Out: true, IsGroup: true}
	s.Handle(ctx, in)
	if !strings.Contains(c.lastReply(), "group2") {
		t.Fatalf("ban reply = %q", c.lastReply())
	}
	s.Handle(ctx, in)
	if !strings.Contains(c.lastReply(), "already banned") {
		t.Fatalf("second ban reply = %q", c.lastReply())
	}

	s.Ban(-404)
	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 3}, Text: ".listban", Out: true})
	if r := c.lastReply(); !strings.Contains(r, "unknown (-404)") || !strings.Contains(r, "Total: 2 groups") {
		t.Fatalf("listban reply = %q", r)
	}

	s.Handle(ctx, platform.Incoming{Ref: platform.MessageRef{ChatID: -1, ID: 4}, Text: ".listgrup", Out: true})
	if r := c.lastReply(); !strings.Contains(r, "Members: 20") || !strings.Contains(r, "🚫 Banned") {
		t.Fatalf("listgrup reply = %q", r)
	}

	in.Text = ".deleteban"
	s.Handle(ctx, in)
	s.Handle(ctx, in)
	if !strings.Contains(c.lastReply(), "not banned") {
		t.Fatalf("second unban reply = %q", c.lastReply())
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("line of text\n", 500)
	chunks := splitText(long, 4000)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	total := 0
	for _, ch := range chunks {
		if n := len([]rune(ch)); n > 4000 {
			t.Fatalf("chunk too long: %d", n)
		}
		total += strings.Count(ch, "line of text")
	}
	if total != 500 {
		t.Fatalf("lost lines: %d", total)
	}
}
