package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "userbotd/internal/transport"
	logx "userbotd/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitSent(t *testing.T, f *fakeAdapter, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.messages(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %q", n, f.messages())
	return nil
}

func text(from int64, s string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: s, IsPrivate: true}}
}

func start(t *testing.T, m *CommandManager) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, ch)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func echo(route string, access Access) Command {
	return Command{
		Route:       route,
		Description: route + " things",
		Access:      access,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, req.Command+":"+strings.Join(req.Args, ","))
		},
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	got := tokenizeCommandLine(`/register 42 "a b" 'c d' e\ f`)
	want := []string{"/register", "42", "a b", "c d", "e f"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, []int64{1}, Options{})
	m.SetRegistry([]Command{echo("status", AccessOwnerOnly), echo("cek", AccessEveryone)})
	ch := start(t, m)

	ch <- text(2, "/status")
	got := waitSent(t, a, 1)
	if got[0] != "unauthorized" {
		t.Fatalf("non-owner got %q", got[0])
	}
	ch <- text(1, "/status@userbotd_bot now")
	got = waitSent(t, a, 2)
	if got[1] != "status:now" {
		t.Fatalf("owner got %q", got[1])
	}
	ch <- text(2, "/CEK")
	got = waitSent(t, a, 3)
	if got[2] != "cek:" {
		t.Fatalf("everyone command got %q", got[2])
	}
}

func TestSubcommandsAndAliases(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, []int64{1}, Options{})
	c := echo("sweep now", AccessOwnerOnly)
	c.Aliases = []string{"sw"}
	m.SetRegistry([]Command{c})
	ch := start(t, m)

	ch <- text(1, "/sweep now")
	waitSent(t, a, 1)
	ch <- text(1, "/sweep_now")
	waitSent(t, a, 2)
	ch <- text(1, "/sw")
	got := waitSent(t, a, 3)
	for i, s := range got {
		if s != "sweep now:" {
			t.Fatalf("reply %d = %q", i, s)
		}
	}
	ch <- text(1, "/sweep")
	got = waitSent(t, a, 4)
	if !strings.Contains(got[3], "/sweep now") {
		t.Fatalf("group help = %q", got[3])
	}
}

func TestHelpHidesOwnerCommandsFromOthers(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, []int64{1}, Options{})
	m.SetRegistry([]Command{echo("remove", AccessOwnerOnly), echo("cek", AccessEveryone)})

	public := m.helpText(nil, false)
	if strings.Contains(public, "/remove") || !strings.Contains(public, "/cek") {
		t.Fatalf("public help = %q", public)
	}
	owner := m.helpText(nil, true)
	if !strings.Contains(owner, "🔒 <code>/remove</code>") {
		t.Fatalf("owner help = %q", owner)
	}
}

func TestNonOwnersAreThrottled(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, []int64{1}, Options{RatePerMin: 1})
	m.SetRegistry([]Command{echo("cek", AccessEveryone)})
	ch := start(t, m)

	ch <- text(2, "/cek")
	waitSent(t, a, 1)
	ch <- text(2, "/cek")
	got := waitSent(t, a, 2)
	if !strings.HasPrefix(got[1], "slow down") {
		t.Fatalf("second call = %q", got[1])
	}
	ch <- text(1, "/cek")
	ch <- text(1, "/cek")
	got = waitSent(t, a, 4)
	if got[2] != "cek:" || got[3] != "cek:" {
		t.Fatalf("owner throttled: %q", got[2:])
	}
}

func TestFailedCommandGetsAReply(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, []int64{1}, Options{})
	m.SetRegistry([]Command{{
		Route:  "save",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error { return errors.New("disk full") },
	}})
	ch := start(t, m)

	ch <- text(1, "/save")
	got := waitSent(t, a, 1)
	if !strings.HasPrefix(got[0], "❌ Command failed") {
		t.Fatalf("reply = %q", got[0])
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"sweep now": "sweep_now",
		"Ban-List":  "ban_list",
		"9lives":    "cmd_9lives",
		"  ":        "",
		"a__b//c":   "a_b_c",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMenuListsTopLevelThenShortcuts(t *testing.T) {
	t.Parallel()
	cmds := []Command{
		{Route: "status", Description: "daemon status", Access: AccessOwnerOnly},
		{Route: "cek", Description: "check\nmy session", Access: AccessEveryone},
		{Route: "sweep now", Description: "run the sweeper", Access: AccessOwnerOnly},
	}
	root := newRoot()
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}
	got := buildTelegramMenuCommands(root, cmds)
	want := []kit.BotCommand{
		{Command: "cek", Description: "check my session"},
		{Command: "status", Description: "🔒 daemon status"},
		{Command: "sweep", Description: "🔒 subcommands: now"},
		{Command: "sweep_now", Description: "🔒 run the sweeper"},
	}
	if len(got) != len(want) {
		t.Fatalf("menu = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("menu[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
