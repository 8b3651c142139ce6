package campaign

import "strings"

// Render substitutes {{key}} markers in a template with the supplied
// variables. Every occurrence of a known key is replaced; markers with
// no matching variable are left verbatim.
func Render(content string, variables map[string]string) string {
	for key, value := range variables {
		content = strings.ReplaceAll(content, "{{"+key+"}}", value)
	}
	return content
}
