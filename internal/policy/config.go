package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// WildcardNamespace holds the allowlist applied to namespaces without their own entry.
const WildcardNamespace = "*"

// Config is the immutable policy configuration. Build it with Parse or
// LoadFile; a Config is never mutated after construction.
type Config struct {
	RequireApprovalThreshold models.RiskLevel               `yaml:"requireApprovalThreshold"`
	MaxPodsAffected          int                            `yaml:"maxPodsAffected"`
	Cooldown                 time.Duration                  `yaml:"cooldown"`
	Namespaces               map[string][]models.ActionType `yaml:"namespaces"`
	Rules                    []RuleSpec                     `yaml:"rules"`

	compiled []compiledRule
}

// RuleSpec is a custom rule expressed in expr-lang.
type RuleSpec struct {
	Name     string   `yaml:"name"`
	When     string   `yaml:"when"`
	Decision Decision `yaml:"decision"`
	Reason   string   `yaml:"reason"`
}

// Allows reports whether the namespace allowlist permits the action type.
func (c *Config) Allows(namespace string, t models.ActionType) bool {
	allowed, ok := c.Namespaces[namespace]
	if !ok {
		allowed = c.Namespaces[WildcardNamespace]
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads a policy document from disk.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("policy path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// New builds a Config programmatically; it applies the same validation as Parse.
func New(threshold models.RiskLevel, maxPods int, cooldown time.Duration, namespaces map[string][]models.ActionType, rules ...RuleSpec) (*Config, error) {
	cfg := Config{
		RequireApprovalThreshold: threshold,
		MaxPodsAffected:          maxPods,
		Cooldown:                 cooldown,
		Namespaces:               namespaces,
		Rules:                    rules,
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// compile validates required fields and compiles custom rules. Thresholds,
// cooldown and allowlist have no built-in defaults.
func (c *Config) compile() error {
	var errs []error
	if c.RequireApprovalThreshold == "" {
		errs = append(errs, errors.New("requireApprovalThreshold is required"))
	} else if !c.RequireApprovalThreshold.Valid() {
		errs = append(errs, fmt.Errorf("unknown requireApprovalThreshold %q", c.RequireApprovalThreshold))
	}
	if c.MaxPodsAffected <= 0 {
		errs = append(errs, errors.New("maxPodsAffected must be positive"))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, errors.New("cooldown must be positive"))
	}
	if len(c.Namespaces) == 0 {
		errs = append(errs, errors.New("namespaces allowlist is required"))
	}
	for ns, types := range c.Namespaces {
		for _, t := range types {
			if _, err := models.ParseActionType(string(t)); err != nil {
				errs = append(errs, fmt.Errorf("namespace %s: %w", ns, err))
			}
		}
	}

	c.compiled = c.compiled[:0]
	for i, spec := range c.Rules {
		rule, err := compileRule(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		c.compiled = append(c.compiled, rule)
	}
	return errors.Join(errs...)
}
