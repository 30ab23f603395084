package router

import (
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

type cmdNode struct {
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(route)
}

// add installs c at route and returns its node.
func (r *cmdNode) add(route []string, c Command) *cmdNode {
	cur := r
	for _, tok := range route {
		next := cur.children[tok]
		if next == nil {
			next = newRoot()
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

// find walks path from r; nil if any step is missing.
func (r *cmdNode) find(path []string) *cmdNode {
	cur := r
	for _, tok := range path {
		if cur = cur.children[tok]; cur == nil {
			return nil
		}
	}
	return cur
}

func (r *cmdNode) child(name string) (*cmdNode, bool) {
	n, ok := r.children[name]
	return n, ok
}

func (r *cmdNode) childNames() []string {
	return slices.Sorted(maps.Keys(r.children))
}

// newReqID returns a short request id for log correlation.
func newReqID() string {
	return uuid.NewString()[:8]
}

// tokenizeCommandLine splits a command line on whitespace. Single or double
// quotes group words and a backslash escapes the next character:
//
//	/register 42 "a b" e\ f  ->  [/register 42 "a b" "e f"]
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		pending bool // cur holds a token, possibly empty ("")
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, pending = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, pending = r, true
		case unicode.IsSpace(r):
			if pending {
				out = append(out, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if pending {
		out = append(out, cur.String())
	}
	return out
}

// summary is the one-line description shown in help and the menu. Groups
// without their own command list a few subcommands.
func (r *cmdNode) summary() string {
	if r.cmd != nil {
		if d := strings.TrimSpace(r.cmd.Description); d != "" {
			return d
		}
	}
	kids := r.childNames()
	switch {
	case len(kids) == 0:
		return ""
	case len(kids) > 3:
		return "subcommands: " + strings.Join(kids[:3], ", ") + ", …"
	}
	return "subcommands: " + strings.Join(kids, ", ")
}

// ownerOnly reports whether only owners can run anything under r.
func (r *cmdNode) ownerOnly() bool {
	if r.cmd != nil {
		return r.cmd.Access == AccessOwnerOnly
	}
	for _, ch := range r.children {
		if !ch.ownerOnly() {
			return false
		}
	}
	return true
}
