// Package expr implements ${{ … }} expression expansion for step inputs,
// environment values and job outputs. Expressions are dotted references into
// the run scope (env, matrix, needs, event, steps, secrets); there is no
// arithmetic or boolean evaluation by design.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/viant/parsly"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// Scope carries the values visible to expressions of a single job run.
type Scope struct {
	Env     map[string]string
	Matrix  map[string]interface{}
	Needs   map[string]interface{}
	Event   map[string]interface{}
	Steps   map[string]interface{}
	Secrets map[string]string
}

func (s *Scope) asMap() map[string]interface{} {
	if s == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"env":     s.Env,
		"matrix":  s.Matrix,
		"needs":   s.Needs,
		"event":   s.Event,
		"steps":   s.Steps,
		"secrets": s.Secrets,
	}
}

// Expand resolves every ${{ … }} token in value. When the whole value is a
// single token the typed referenced value is returned (int, bool, …);
// otherwise tokens are interpolated into the surrounding text.
func Expand(value string, scope *Scope) interface{} {
	if !strings.Contains(value, openMarker) {
		return value
	}
	from := scope.asMap()

	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) {
		inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
		if !strings.Contains(inner, closeMarker) {
			resolved, err := resolve(strings.TrimSpace(inner), from)
			if err != nil {
				return ""
			}
			return resolved
		}
	}

	var result strings.Builder
	rest := value
	for {
		start := strings.Index(rest, openMarker)
		if start == -1 {
			result.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], closeMarker)
		if end == -1 {
			result.WriteString(rest)
			break
		}
		result.WriteString(rest[:start])
		reference := strings.TrimSpace(rest[start+len(openMarker) : start+end])
		if resolved, err := resolve(reference, from); err == nil {
			result.WriteString(stringify(resolved))
		}
		rest = rest[start+end+len(closeMarker):]
	}
	return result.String()
}

// ExpandString is Expand with the result coerced to string.
func ExpandString(value string, scope *Scope) string {
	return stringify(Expand(value, scope))
}

// ExpandValue walks maps and slices expanding every string leaf.
func ExpandValue(value interface{}, scope *Scope) interface{} {
	switch actual := value.(type) {
	case string:
		return Expand(actual, scope)
	case map[string]interface{}:
		result := make(map[string]interface{}, len(actual))
		for k, v := range actual {
			result[k] = ExpandValue(v, scope)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(actual))
		for i, v := range actual {
			result[i] = ExpandValue(v, scope)
		}
		return result
	}
	return value
}

// ExpandEnv expands every value of an environment map.
func ExpandEnv(env map[string]string, scope *Scope) map[string]string {
	if len(env) == 0 {
		return env
	}
	result := make(map[string]string, len(env))
	for name, value := range env {
		result[name] = ExpandString(value, scope)
	}
	return result
}

// Condition functions recognised in job and step `when` clauses.
const (
	conditionAlways  = "always()"
	conditionSuccess = "success()"
	conditionFailure = "failure()"
)

// EvaluateCondition decides whether a step gated by the given condition runs,
// based on whether a prior non-suppressed step already failed. An empty
// condition behaves as success().
func EvaluateCondition(condition string, failed bool) bool {
	switch strings.TrimSpace(condition) {
	case "", conditionSuccess:
		return !failed
	case conditionAlways:
		return true
	case conditionFailure:
		return failed
	default:
		// unknown conditions are conservative: run only on success
		return !failed
	}
}

type segment struct {
	name  string
	index int
	isIdx bool
}

// parseReference tokenises a dotted reference such as
// needs.test.outputs.version or matrix['go version'].
func parseReference(input string) ([]segment, error) {
	cursor := parsly.NewCursor("", []byte(strings.TrimSpace(input)), 0)
	var segments []segment

	matched := cursor.MatchAfterOptional(whitespaceToken, identifierToken)
	if matched.Code != identifierToken.Code {
		return nil, cursor.NewError(identifierToken)
	}
	segments = append(segments, segment{name: matched.Text(cursor)})

	for cursor.Pos < len(cursor.Input) {
		matched = cursor.MatchAny(dotToken, openBracketToken)
		switch matched.Code {
		case dotToken.Code:
			matched = cursor.MatchOne(identifierToken)
			if matched.Code != identifierToken.Code {
				return nil, cursor.NewError(identifierToken)
			}
			segments = append(segments, segment{name: matched.Text(cursor)})
		case openBracketToken.Code:
			matched = cursor.MatchAny(indexToken, quotedKeyToken)
			switch matched.Code {
			case indexToken.Code:
				index, err := strconv.Atoi(matched.Text(cursor))
				if err != nil {
					return nil, err
				}
				segments = append(segments, segment{index: index, isIdx: true})
			case quotedKeyToken.Code:
				text := matched.Text(cursor)
				segments = append(segments, segment{name: text[1 : len(text)-1]})
			default:
				return nil, cursor.NewError(indexToken)
			}
			matched = cursor.MatchOne(closeBracketToken)
			if matched.Code != closeBracketToken.Code {
				return nil, cursor.NewError(closeBracketToken)
			}
		default:
			return nil, fmt.Errorf("unexpected token at %d in %q", cursor.Pos, input)
		}
	}
	return segments, nil
}

func resolve(reference string, from map[string]interface{}) (interface{}, error) {
	segments, err := parseReference(reference)
	if err != nil {
		return nil, err
	}
	var current interface{} = from
	for _, seg := range segments {
		if seg.isIdx {
			slice, ok := current.([]interface{})
			if !ok || seg.index < 0 || seg.index >= len(slice) {
				return nil, fmt.Errorf("cannot index %q in %q", reference, stringify(current))
			}
			current = slice[seg.index]
			continue
		}
		switch actual := current.(type) {
		case map[string]interface{}:
			current = actual[seg.name]
		case map[string]string:
			current = actual[seg.name]
		default:
			return nil, fmt.Errorf("cannot resolve %q: %q is not a map", reference, seg.name)
		}
	}
	return current, nil
}

func stringify(value interface{}) string {
	switch actual := value.(type) {
	case nil:
		return ""
	case string:
		return actual
	case bool:
		return strconv.FormatBool(actual)
	case int:
		return strconv.Itoa(actual)
	case float64:
		// render integral floats without a trailing .0 so matrix values such
		// as 1.22 and 3 interpolate naturally
		if actual == float64(int64(actual)) {
			return strconv.FormatInt(int64(actual), 10)
		}
		return strconv.FormatFloat(actual, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", actual)
	}
}
