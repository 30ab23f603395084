package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders /help in HTML. With no path it lists the commands the
// caller may run; with a path it details one command or group.
func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpIndex(root, owner)
	}
	node := root.find(path)
	full := path
	if node == nil {
		leaf := alias[path[0]]
		if leaf == nil || leaf.cmd == nil {
			return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the command list."
		}
		node, full = leaf, splitRoute(leaf.cmd.Route)
	}
	return helpDetail(node, full)
}

func helpLine(route string, desc string, locked bool) string {
	var b strings.Builder
	b.WriteString("• ")
	if locked {
		b.WriteString(lockMark)
	}
	b.WriteString("<code>/" + html.EscapeString(route) + "</code>")
	if desc != "" {
		b.WriteString(": " + html.EscapeString(desc))
	}
	return b.String()
}

// helpIndex lists open commands first, then owner-only ones.
func helpIndex(root *cmdNode, owner bool) string {
	var open, locked []string
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if !n.ownerOnly() {
			open = append(open, helpLine(name, n.summary(), false))
		} else if owner {
			locked = append(locked, helpLine(name, n.summary(), true))
		}
	}
	lines := []string{"📚 <b>Commands</b>", "Send <code>/help &lt;cmd&gt;</code> for usage.", ""}
	lines = append(lines, open...)
	lines = append(lines, locked...)
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func helpDetail(n *cmdNode, full []string) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(strings.Join(full, " ")) + "</code>"}
	if n.ownerOnly() {
		lines = append(lines, lockMark+"<i>Owner only</i>")
	}
	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := shortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	}
	if kids := n.childNames(); len(kids) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range kids {
			child, _ := n.child(name)
			route := strings.Join(append(append([]string(nil), full...), name), " ")
			lines = append(lines, helpLine(route, child.summary(), child.ownerOnly()))
		}
	}
	return strings.Join(lines, "\n")
}

// shortcuts lists every other way to invoke c: the flattened menu name and
// its aliases, each also in sanitized form.
func shortcuts(c Command) []string {
	set := map[string]struct{}{}
	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok && menu != c.Route {
		set[menu] = struct{}{}
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsRune(a, ' ') {
			continue
		}
		set[a] = struct{}{}
		if sa := sanitizeTelegramCommand(a); sa != "" {
			set[sa] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
