package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Enforcement controls how an args_valid metric treats a tool call whose
// name appears in neither the allow nor deny glob list.
type Enforcement string

const (
	UnconstrainedWarn  Enforcement = "warn"
	UnconstrainedDeny  Enforcement = "deny"
	UnconstrainedAllow Enforcement = "allow"
)

// ArgsValid checks each tool_call in response.meta against an allow/deny
// glob list, then against a per-tool JSON schema.
type ArgsValid struct {
	Allow                 []string
	Deny                  []string
	Schemas               map[string]*jsonschema.Schema
	UnconstrainedBehavior Enforcement
}

// CompileSchemas compiles a tool_name -> raw JSON schema map once, ahead of
// running Evaluate against many responses.
func CompileSchemas(raw map[string]map[string]any) (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(raw))
	for tool, schema := range raw {
		c := jsonschema.NewCompiler()
		b, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %q: %w", tool, err)
		}
		res, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %q: %w", tool, err)
		}
		url := "mem://schemas/" + tool
		if err := c.AddResource(url, res); err != nil {
			return nil, fmt.Errorf("add schema resource for %q: %w", tool, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", tool, err)
		}
		compiled[tool] = sch
	}
	return compiled, nil
}

// MatchGlob reports whether name matches pattern, where "*" alone matches
// anything and a single "*" may appear as a prefix, suffix, or interior
// wildcard (not full glob syntax — one wildcard segment).
func MatchGlob(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	idx := strings.Index(pattern, "*")
	prefix, suffix := pattern[:idx], pattern[idx+1:]
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) && len(name) >= len(prefix)+len(suffix)
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchGlob(p, name) {
			return true
		}
	}
	return false
}

// UnconstrainedToolError is raised when UnconstrainedBehavior is deny and a
// tool call matches neither allow nor deny.
type UnconstrainedToolError struct{ Tool string }

func (e *UnconstrainedToolError) Error() string {
	return fmt.Sprintf("tool %q is not covered by allow or deny patterns", e.Tool)
}

func (a ArgsValid) Evaluate(resp Response) (Result, error) {
	assay, _ := resp.Meta["assay"].(map[string]any)
	rawCalls, _ := assay["tool_calls"].([]any)

	details := map[string]any{}
	var violations []string

	for _, rc := range rawCalls {
		call, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		name, _ := call["tool_name"].(string)
		args, _ := call["args"].(map[string]any)

		allowed := matchesAny(a.Allow, name)
		denied := matchesAny(a.Deny, name)

		switch {
		case denied:
			violations = append(violations, fmt.Sprintf("%s: denied by policy", name))
			continue
		case allowed:
			// fall through to schema check
		default:
			switch a.UnconstrainedBehavior {
			case UnconstrainedDeny:
				return Result{}, &UnconstrainedToolError{Tool: name}
			case UnconstrainedAllow:
				continue
			default: // warn
				violations = append(violations, fmt.Sprintf("%s: unconstrained tool (warn)", name))
				continue
			}
		}

		schema, ok := a.Schemas[name]
		if !ok {
			continue
		}
		if err := schema.Validate(toAnyMap(args)); err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", name, err))
		}
	}

	details["violations"] = violations
	passed := len(violations) == 0
	score := 0.0
	if passed {
		score = 1.0
	}
	return Result{Score: score, Passed: passed, Details: details}, nil
}

func toAnyMap(m map[string]any) any {
	// jsonschema validates against decoded JSON values (map[string]any,
	// []any, float64, string, bool, nil) — args already decode to that
	// shape from response.meta, so no conversion is required.
	return m
}
