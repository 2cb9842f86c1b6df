package params

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnresolvedPlaceholder reports a placeholder with no binding in the
// current stage.
var ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

// placeholderRE matches ${namespace.key} tokens inside string values. Keys
// may be dotted (scope.project.dir) or env-style uppercase names.
var placeholderRE = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z0-9_.\-]+)\}`)

// Scope carries the values stage 1 may substitute.
type Scope struct {
	SessionID string
	Params    map[string]any
	Values    map[string]any              // caller-supplied ${scope.*}
	Env       func(string) (string, bool) // coordinator ${env.*} lookup
}

// ResolveStage1 walks maps, slices and strings replacing
// ${runtime.session_id}, ${params.*}, ${scope.*} and ${env.*}. Placeholders
// in the ${runner.*} namespace are left verbatim for stage 2; any other
// unresolved placeholder is an error. Substituted text is not rescanned.
func ResolveStage1(node any, scope Scope) (any, error) {
	return walk(node, func(namespace, key string) (string, bool, error) {
		switch namespace {
		case "runner":
			// Reserved for the runner.
			return "", false, nil
		case "runtime":
			if key == "session_id" {
				return scope.SessionID, true, nil
			}
		case "params":
			if v, ok := scope.Params[key]; ok {
				return stringify(v), true, nil
			}
		case "scope":
			if v, ok := lookupDotted(scope.Values, key); ok {
				return stringify(v), true, nil
			}
		case "env":
			if scope.Env != nil {
				if v, ok := scope.Env(key); ok {
					return v, true, nil
				}
			}
		}
		return "", false, fmt.Errorf("%w: ${%s.%s}", ErrUnresolvedPlaceholder, namespace, key)
	})
}

// ResolveStage2 replaces ${runner.*} placeholders from the runner's local
// variables. Everything else must already be concrete; a leftover
// placeholder of any namespace is an error.
func ResolveStage2(node any, runnerVars map[string]string) (any, error) {
	return walk(node, func(namespace, key string) (string, bool, error) {
		if namespace == "runner" {
			if v, ok := runnerVars[key]; ok {
				return v, true, nil
			}
		}
		return "", false, fmt.Errorf("%w: ${%s.%s}", ErrUnresolvedPlaceholder, namespace, key)
	})
}

// lookup resolves one placeholder: (value, replace) on success, replace=false
// with nil error to keep the token verbatim, or an error.
type lookup func(namespace, key string) (string, bool, error)

// walk performs a single-pass substitution over nested maps and slices.
// Non-string scalars pass through untouched.
func walk(node any, fn lookup) (any, error) {
	switch v := node.(type) {
	case string:
		return resolveString(v, fn)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			resolved, err := walk(child, fn)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			resolved, err := walk(child, fn)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return node, nil
	}
}

func resolveString(s string, fn lookup) (string, error) {
	var resolveErr error
	out := placeholderRE.ReplaceAllStringFunc(s, func(token string) string {
		if resolveErr != nil {
			return token
		}
		m := placeholderRE.FindStringSubmatch(token)
		value, replace, err := fn(m[1], m[2])
		if err != nil {
			resolveErr = err
			return token
		}
		if !replace {
			return token
		}
		return value
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

// lookupDotted walks nested maps by a dotted key path.
func lookupDotted(values map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = values
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
