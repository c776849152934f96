package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in HTML parse mode. An empty name lists every
// command; otherwise it describes one.
func helpText(cmds map[string]*Command, name string) string {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "/")
	if name == "" {
		return helpTopHTML(cmds)
	}
	c, ok := cmds[name]
	if !ok {
		return "❓ <b>Unknown command</b>\nType <code>/help</code> for the command list."
	}

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
	if len(c.Aliases) > 0 {
		al := append([]string(nil), c.Aliases...)
		sort.Strings(al)
		lines = append(lines, "", "<b>Aliases</b>")
		for _, a := range al {
			lines = append(lines, "• <code>/"+html.EscapeString(a)+"</code>")
		}
	}
	return strings.Join(lines, "\n")
}

func helpTopHTML(cmds map[string]*Command) string {
	seen := map[*Command]bool{}
	list := make([]*Command, 0, len(cmds))
	for _, c := range cmds {
		if seen[c] {
			continue
		}
		seen[c] = true
		list = append(list, c)
	}
	// Owner-only at the bottom, alphabetical within groups.
	sort.SliceStable(list, func(i, j int) bool {
		li, lj := list[i].Access == AccessOwnerOnly, list[j].Access == AccessOwnerOnly
		if li != lj {
			return !li
		}
		return list[i].Name < list[j].Name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range list {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		suffix := ""
		if d := strings.TrimSpace(c.Description); d != "" {
			suffix = ": " + html.EscapeString(d)
		}
		lines = append(lines, prefix+"<code>/"+html.EscapeString(c.Name)+"</code>"+suffix)
	}
	return strings.Join(lines, "\n")
}
