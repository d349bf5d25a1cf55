// Package intent classifies chat turns with an ordered table of regular
// expressions. The built-in table can be replaced by a YAML file.
package intent

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Intent is a rule tag. Language rules use the "language:<code>" form.
type Intent string

const (
	ListResources Intent = "list_resources"
	Affirmative   Intent = "affirmative"

	languagePrefix = "language:"
)

//go:embed rules.yaml
var defaultRules []byte

// Rule maps a pattern to an intent tag.
type Rule struct {
	Intent  Intent `yaml:"intent"`
	Pattern string `yaml:"pattern"`
}

// Table is the on-disk rule format.
type Table struct {
	Rules      []Rule   `yaml:"rules"`
	BareTokens []string `yaml:"bare_tokens"`
}

type compiled struct {
	intent Intent
	re     *regexp.Regexp
}

// Classifier evaluates rules in table order.
type Classifier struct {
	rules []compiled
	bare  map[string]struct{}
}

// Default returns the classifier built from the embedded table.
func Default() *Classifier {
	c, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("intent: embedded rules: %v", err))
	}
	return c
}

// Load reads a YAML rule table from path. An empty path yields Default.
// Bare tokens fall back to the built-in list when the file omits them.
func Load(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading intent rules: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing intent rules %s: %w", path, err)
	}
	if len(c.bare) == 0 {
		c.bare = Default().bare
	}
	return c, nil
}

// Parse compiles a YAML rule table.
func Parse(data []byte) (*Classifier, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	c := &Classifier{bare: make(map[string]struct{}, len(t.BareTokens))}
	for i, r := range t.Rules {
		if r.Intent == "" {
			return nil, fmt.Errorf("rule %d: missing intent", i)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Intent, err)
		}
		c.rules = append(c.rules, compiled{intent: r.Intent, re: re})
	}
	for _, tok := range t.BareTokens {
		c.bare[strings.ToLower(strings.TrimSpace(tok))] = struct{}{}
	}
	return c, nil
}

// Is reports whether any rule tagged intent matches message.
func (c *Classifier) Is(intent Intent, message string) bool {
	m := strings.ToLower(message)
	for _, r := range c.rules {
		if r.intent == intent && r.re.MatchString(m) {
			return true
		}
	}
	return false
}

// Language returns the code of the first language rule matching message.
func (c *Classifier) Language(message string) (string, bool) {
	m := strings.ToLower(message)
	for _, r := range c.rules {
		code, ok := strings.CutPrefix(string(r.intent), languagePrefix)
		if ok && r.re.MatchString(m) {
			return code, true
		}
	}
	return "", false
}

// Substantive reports whether message is a real question rather than empty
// input or a bare yes/no/ok token.
func (c *Classifier) Substantive(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	if m == "" {
		return false
	}
	_, bare := c.bare[m]
	return !bare
}
