package platform

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("forward: %w", ErrWriteForbidden), KindWriteForbidden},
		{fmt.Errorf("fetch: %w", ErrMessageGone), KindMessageGone},
		{fmt.Errorf("check: %w", ErrSessionInvalid), KindSessionInvalid},
		{fmt.Errorf("send: %w", &FloodWaitError{Wait: 3 * time.Second}), KindFloodWait},
		{errors.New("rpc timeout"), KindTransient},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestAsFloodWait(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", &FloodWaitError{Wait: 7 * time.Second})
	if d, ok := AsFloodWait(err); !ok || d != 7*time.Second {
		t.Fatalf("AsFloodWait = %v, %v", d, ok)
	}
	if (MessageRef{ChatID: -1001234, ID: 56}).Key() != "-1001234_56" {
		t.Fatal("Key format changed")
	}
}
