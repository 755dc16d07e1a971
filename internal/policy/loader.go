package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile loads a policy configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Load(data)
}

// Load parses policy configuration from YAML data.
func Load(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if cfg.Enforcement.UnconstrainedTools == "" {
		cfg.Enforcement.UnconstrainedTools = UnconstrainedWarn
	}

	for i, r := range cfg.Sequence {
		switch r.Kind {
		case RuleRequire, RuleEventually, RuleMaxCalls:
			if r.Tool == "" {
				return fmt.Errorf("sequence rule %d (%s): tool is required", i, r.Kind)
			}
		case RuleBefore, RuleAfter, RuleNeverAfter:
			if r.Tool == "" || r.Other == "" {
				return fmt.Errorf("sequence rule %d (%s): tool and other are required", i, r.Kind)
			}
		case RuleSequence:
			if len(r.Tools) < 2 {
				return fmt.Errorf("sequence rule %d (sequence): at least two tools are required", i)
			}
		case RuleBlocklist:
			if len(r.Tools) == 0 {
				return fmt.Errorf("sequence rule %d (blocklist): at least one tool is required", i)
			}
		default:
			return fmt.Errorf("sequence rule %d: unknown kind %q", i, r.Kind)
		}
	}

	for alias, names := range cfg.Aliases {
		if len(names) == 0 {
			return fmt.Errorf("alias %q: at least one concrete tool name is required", alias)
		}
	}

	return nil
}

// DefaultConfig returns a minimal default policy configuration: every tool
// allowed ("*"), warn-and-allow for anything unconstrained, no sequence rules.
func DefaultConfig() *Config {
	return &Config{
		Version:     "1",
		Tools:       ToolRules{Allow: []string{"*"}},
		Enforcement: EnforcementConfig{UnconstrainedTools: UnconstrainedWarn},
	}
}
