package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders Telegram-friendly help in HTML parse mode.
// Owner-only commands are listed only for owners.
func (m *CommandManager) helpText(args []string, owner bool) string {
	if len(args) > 0 {
		word := strings.TrimPrefix(strings.TrimSpace(args[0]), "/")
		c, ok := m.lookup(word)
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return helpUnknownHTML()
		}
		return helpCommandHTML(c)
	}

	m.mu.RLock()
	cmds := make([]*Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		cmds = append(cmds, c)
	}
	m.mu.RUnlock()
	return helpTopHTML(cmds)
}

func helpUnknownHTML() string {
	return "❓ <b>Unknown command</b>\nType <code>/help</code> for the command list."
}

func helpTopHTML(cmds []*Command) string {
	sort.SliceStable(cmds, func(i, j int) bool {
		li, lj := cmds[i].Access == AccessOwnerOnly, cmds[j].Access == AccessOwnerOnly
		if li != lj {
			return !li
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range cmds {
		line := "• "
		if c.Access == AccessOwnerOnly {
			line += "🔒 "
		}
		line += "<code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c *Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if short := aliasList(c); len(short) > 0 {
		lines = append(lines, "", "<b>Aliases</b>")
		for _, s := range short {
			lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
		}
	}
	return strings.Join(lines, "\n")
}

func aliasList(c *Command) []string {
	var out []string
	seen := map[string]bool{c.Name: true}
	for _, a := range c.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || strings.Contains(a, " ") || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
