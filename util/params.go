package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var templateToken = regexp.MustCompile(`\{(.*?)\}`)

// ResolveParams materializes node parameters against the execution variables.
// String values may carry {$.path} templates, looked up with jsonpath over
// the variables map. A value that is exactly one template keeps the native
// type of the referenced variable, mixed strings interpolate as text.
// Maps and lists resolve recursively, everything else passes through.
func ResolveParams(variables map[string]any, params map[string]any) map[string]any {
	output := make(map[string]any, len(params))
	for k, v := range params {
		output[k] = resolveValue(variables, v)
	}
	return output
}

func resolveValue(variables map[string]any, v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, inner := range value {
			out[k] = resolveValue(variables, inner)
		}
		return out
	case []any:
		out := make([]any, 0, len(value))
		for _, inner := range value {
			out = append(out, resolveValue(variables, inner))
		}
		return out
	case string:
		return resolveString(variables, value)
	default:
		return v
	}
}

func resolveString(variables map[string]any, s string) any {
	tokens := templateToken.FindAllString(s, -1)
	if len(tokens) == 0 {
		return s
	}
	if len(tokens) == 1 && tokens[0] == s {
		if path, ok := templatePath(s); ok {
			value, err := jsonpath.JsonPathLookup(variables, path)
			if err != nil {
				return nil
			}
			return value
		}
		return s
	}
	resolved := s
	for _, token := range tokens {
		path, ok := templatePath(token)
		if !ok {
			continue
		}
		value, err := jsonpath.JsonPathLookup(variables, path)
		if err != nil {
			value = ""
		}
		resolved = strings.ReplaceAll(resolved, token, fmt.Sprintf("%v", value))
	}
	return resolved
}

func templatePath(token string) (string, bool) {
	path := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
	if !strings.HasPrefix(path, "$") {
		return "", false
	}
	return path, true
}
