// Package template resolves command templates into fully-substituted command
// text. Substitution is deliberately naive placeholder replacement; the
// dispatcher never parses or validates the resulting SQL or script text.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Vars holds the per-target substitution values.
type Vars struct {
	Target string
	Login  string
	Extra  map[string]string
}

// Resolve substitutes ${target}, ${login} and any Extra keys into tmpl.
// Unknown placeholders are an error: a half-substituted command handed to a
// database client fails in confusing ways.
func Resolve(tmpl string, vars Vars) (string, error) {
	var missing []string

	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		switch name {
		case "target", "name":
			return vars.Target
		case "login":
			return vars.Login
		}
		if vars.Extra != nil {
			if v, ok := vars.Extra[name]; ok {
				return v
			}
		}
		missing = append(missing, name)
		return m
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
