package forward

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

type fakeClient struct {
	mu       sync.Mutex
	messages map[platform.MessageRef]platform.Message
	dialogs  []platform.Dialog
	errs     map[int64][]error // per-destination scripted results, consumed in order
	forwards []int64
	edits    []string
	replies  []string
	nextID   int
}

func newFakeClient(groups ...int64) *fakeClient {
	f := &fakeClient{messages: map[platform.MessageRef]platform.Message{}, errs: map[int64][]error{}, nextID: 1000}
	for _, id := range groups {
		f.dialogs = append(f.dialogs, platform.Dialog{ID: id, Title: fmt.Sprintf("group%d", -id), IsGroup: true})
	}
	f.dialogs = append(f.dialogs, platform.Dialog{ID: 77, Title: "a user", IsGroup: false})
	return f
}

func (f *fakeClient) put(ref platform.MessageRef, text string) {
	f.mu.Lock()
	f.messages[ref] = platform.Message{Ref: ref, Text: text}
	f.mu.Unlock()
}

func (f *fakeClient) remove(ref platform.MessageRef) {
	f.mu.Lock()
	delete(f.messages, ref)
	f.mu.Unlock()
}

func (f *fakeClient) script(dest int64, errs ...error) {
	f.mu.Lock()
	f.errs[dest] = append(f.errs[dest], errs...)
	f.mu.Unlock()
}

func (f *fakeClient) FetchMessage(_ context.Context, ref platform.MessageRef) (platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[ref]
	if !ok {
		return platform.Message{}, fmt.Errorf("fetch %s: %w", ref.Key(), platform.ErrMessageGone)
	}
	return m, nil
}

func (f *fakeClient) Dialogs(context.Context) ([]platform.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Dialog(nil), f.dialogs...), nil
}

func (f *fakeClient) Forward(_ context.Context, to int64, _ platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, to)
	if q := f.errs[to]; len(q) > 0 {
		f.errs[to] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeClient) Reply(_ context.Context, to platform.MessageRef, text string) (platform.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	f.nextID++
	return platform.MessageRef{ChatID: to.ChatID, ID: f.nextID}, nil
}

func (f *fakeClient) Edit(_ context.Context, _ platform.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeClient) MemberCount(_ context.Context, chatID int64) (int, error) {
	return int(-chatID) * 10, nil
}

func (f *fakeClient) ChatTitle(_ context.Context, chatID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.dialogs {
		if d.ID == chatID {
			return d.Title, nil
		}
	}
	return "", fmt.Errorf("chat %d not found", chatID)
}

func (f *fakeClient) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards)
}

func (f *fakeClient) editsContaining(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.edits {
		if strings.Contains(e, sub) {
			n++
		}
	}
	return n
}

func (f *fakeClient) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeClient) lastReply() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func newTestScheduler(t *testing.T, c Client, unit time.Duration) *Scheduler {
	t.Helper()
	s := New(context.Background(), c, logx.Nop(), Options{
		Policy:    SendPolicy{MaxFloodRetries: 1, MaxFloodWait: time.Second},
		DelayUnit: unit,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func taskByID(s *Scheduler, id string) (TaskInfo, bool) {
	for _, ti := range s.List() {
		if ti.ID == id {
			return ti, true
		}
	}
	return TaskInfo{}, false
}
