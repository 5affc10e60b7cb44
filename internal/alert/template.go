package alert

import "strings"

// expandPlaceholders replaces every "${name}" occurrence in template
// with lookup(name), leaving unresolved placeholders verbatim so a
// typo'd field name is visible in the rendered description rather than
// silently vanishing.
func expandPlaceholders(template string, lookup func(name string) (string, bool)) string {
	var out strings.Builder
	for i := 0; i < len(template); {
		start := strings.IndexByte(template[i:], '$')
		if start < 0 || i+start+1 >= len(template) || template[i+start+1] != '{' {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+start])
		rest := template[i+start+2:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			out.WriteString(template[i+start:])
			break
		}
		name := rest[:end]
		if v, ok := lookup(name); ok {
			out.WriteString(v)
		} else {
			out.WriteString("${" + name + "}")
		}
		i = i + start + 2 + end + 1
	}
	return out.String()
}
