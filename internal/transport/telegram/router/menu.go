package router

import (
	"sort"
	"strings"

	kit "postbot/internal/transport"
	"postbot/pkg/tgui"
)

// sanitizeCommand converts a name into a Telegram command ([a-z0-9_]{1,32}).
func sanitizeCommand(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "/")
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == ' ':
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

func (m *CommandManager) sortedCommands() []*Command {
	m.mu.RLock()
	out := make([]*Command, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c)
	}
	m.mu.RUnlock()
	// Public commands first, then alphabetical.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Access != out[j].Access {
			return out[i].Access < out[j].Access
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *CommandManager) menuCommands() []kit.BotCommand {
	cmds := m.sortedCommands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

func (m *CommandManager) helpText(owner bool) tgui.H {
	lines := []tgui.H{tgui.B("Commands"), ""}
	for _, c := range m.sortedCommands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := tgui.Code(usage)
		if c.Description != "" {
			line += " " + tgui.Esc(c.Description)
		}
		lines = append(lines, line)
	}
	return tgui.Lines(lines...)
}
