package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(in, 10, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d (%q)", len(got), got)
	}
	if got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()
	in := "abcdef<b>bold</b>"
	got := splitTelegramText(in, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q", got[0])
	}
	if strings.Join(got, "") != in {
		t.Fatalf("chunks lost text: %q", got)
	}
}
