package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders the command list, or detail for a single command
// when args name one.
func (m *CommandManager) helpText(args []string) string {
	m.mu.RLock()
	cmds := make([]*Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		cmds = append(cmds, c)
	}
	alias := m.alias
	m.mu.RUnlock()

	if len(args) > 0 {
		want := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(args[0]), "/"))
		var hit *Command
		for _, c := range cmds {
			if c.Name == want {
				hit = c
				break
			}
		}
		if hit == nil {
			if a, ok := alias[want]; ok {
				hit = a
			}
		}
		if hit != nil {
			return commandDetail(hit)
		}
		return "unknown command <code>" + html.EscapeString(want) + "</code>, try /help"
	}

	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].PluginName != cmds[j].PluginName {
			return cmds[i].PluginName < cmds[j].PluginName
		}
		return cmds[i].Name < cmds[j].Name
	})

	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	lastGroup := "\x00"
	for _, c := range cmds {
		if c.PluginName != lastGroup {
			lastGroup = c.PluginName
			if c.PluginName != "" {
				b.WriteString("\n<i>" + html.EscapeString(c.PluginName) + "</i>\n")
			} else {
				b.WriteString("\n")
			}
		}
		b.WriteString("/" + html.EscapeString(c.Name))
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" (owner)")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n/help &lt;cmd&gt; for usage")
	return b.String()
}

func commandDetail(c *Command) string {
	var b strings.Builder
	b.WriteString("<b>/" + html.EscapeString(c.Name) + "</b>")
	if c.Description != "" {
		b.WriteString(" - " + html.EscapeString(c.Description))
	}
	b.WriteString("\n")
	if c.Usage != "" {
		b.WriteString("usage: <code>" + html.EscapeString(c.Usage) + "</code>\n")
	}
	if len(c.Aliases) > 0 {
		b.WriteString("aliases: " + html.EscapeString(strings.Join(c.Aliases, ", ")) + "\n")
	}
	if c.Access == AccessOwnerOnly {
		b.WriteString("owner only\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
