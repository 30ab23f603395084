package router

import (
	"strings"

	kit "userbotd/internal/transport"
)

const (
	maxCommandLen = 32
	maxMenuDesc   = 256
	maxMenuSize   = 100
	lockMark      = "🔒 "
)

// sanitizeTelegramCommand maps a route or alias onto Telegram's command
// alphabet [a-z0-9_]{1,32}. Spaces, dashes and slashes become single
// underscores; other characters are dropped. A leading digit gets "cmd_".
func sanitizeTelegramCommand(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '_', r == '-', r == '/', r == ' ', r == '\t', r == '\n':
			return ' '
		}
		return -1
	}, s)
	out := strings.Join(strings.Fields(cleaned), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a route into one menu command:
// ["sweep","now"] becomes "sweep_now".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// menuDesc flattens a description to one line within Telegram's limit.
func menuDesc(desc, fallback string, locked bool) string {
	desc = strings.Join(strings.Fields(desc), " ")
	if desc == "" {
		desc = fallback
	}
	if locked {
		desc = lockMark + desc
	}
	if r := []rune(desc); len(r) > maxMenuDesc {
		desc = string(r[:maxMenuDesc])
	}
	return desc
}

// buildTelegramMenuCommands lists top-level commands and groups first, then a
// flattened shortcut for every multi-word route. The first entry for a name
// wins.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	var out []kit.BotCommand
	seen := map[string]bool{}
	push := func(name, desc string) {
		if name == "" || seen[name] || len(out) >= maxMenuSize {
			return
		}
		seen[name] = true
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}

	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			push(sanitizeTelegramCommand(name), menuDesc(n.summary(), name, n.ownerOnly()))
		}
	}
	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		if name, ok := telegramCommandNameFromRoute(route); ok {
			push(name, menuDesc(c.Description, strings.Join(route, " "), c.Access == AccessOwnerOnly))
		}
	}
	return out
}
