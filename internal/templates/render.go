package templates

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// variablePattern matches {{name}} references, where name is a dotted path
// such as user_request, previous_outputs.planning, or sub_steps.0.output.
var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// RenderError reports template variables that were referenced but absent
// from the render context. Rendering never substitutes an empty string for
// a missing variable.
type RenderError struct {
	Missing []string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("prompt references undefined variables: %s", strings.Join(e.Missing, ", "))
}

// Render substitutes named variables into the template text. Every
// referenced variable must be present in vars; otherwise a *RenderError
// listing all missing names is returned and no text is produced.
func Render(text string, vars map[string]string) (string, error) {
	var missing []string
	seen := make(map[string]bool)

	out := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return match
		}
		return value
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &RenderError{Missing: missing}
	}
	return out, nil
}
