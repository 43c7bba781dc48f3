// Package rules provides a resolver driven by declarative rules, usually
// loaded from a YAML file. Rules are tried in order; the first rule whose
// script and caller patterns match produces the locator.
package rules

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"scriptresolver/internal/locator"
)

// Rule maps matching scripts to a locator. Exactly one of Path, URL or the
// public path (rule level or builder level) determines the url, in that order.
type Rule struct {
	Name string `yaml:"name"`
	// Script and Caller are glob patterns; empty matches everything.
	Script string `yaml:"script"`
	Caller string `yaml:"caller"`

	// Path is a directory on the device; the url becomes a file:// url and
	// the locator is absolute.
	Path string `yaml:"path"`
	// URL may contain {scriptId} and {callerId} placeholders.
	URL        string `yaml:"url"`
	PublicPath string `yaml:"publicPath"`

	ExcludeExtension bool              `yaml:"excludeExtension"`
	Query            Query             `yaml:"query"`
	Headers          map[string]string `yaml:"headers"`
	Method           string            `yaml:"method"`
	Body             string            `yaml:"body"`
	Timeout          time.Duration     `yaml:"timeout"`
	Cache            *bool             `yaml:"cache"`
}

// Query accepts either a mapping, whose order is kept, or a plain string.
type Query struct {
	value *locator.Query
}

func (q *Query) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		q.value = locator.QueryString(raw)
	case yaml.MappingNode:
		params := locator.QueryParams()
		for i := 0; i+1 < len(node.Content); i += 2 {
			params.Set(node.Content[i].Value, node.Content[i+1].Value)
		}
		q.value = params
	default:
		return fmt.Errorf("line %d: query must be a mapping or a string", node.Line)
	}
	return nil
}

type File struct {
	Rules []Rule `yaml:"rules"`
}

func Parse(raw []byte) ([]Rule, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return f.Rules, nil
}

func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

type compiled struct {
	rule   Rule
	script glob.Glob
	caller glob.Glob
}

// Set is a compiled, immutable list of rules.
type Set struct {
	builder locator.Builder
	rules   []compiled
}

// New compiles the rule patterns. builder supplies the default public path
// and the chunk naming function.
func New(builder locator.Builder, rules []Rule) (*Set, error) {
	set := &Set{builder: builder, rules: make([]compiled, 0, len(rules))}
	for i, r := range rules {
		script, err := compilePattern(r.Script)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): script pattern %q: %w", i, r.Name, r.Script, err)
		}
		caller, err := compilePattern(r.Caller)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): caller pattern %q: %w", i, r.Name, r.Caller, err)
		}
		set.rules = append(set.rules, compiled{rule: r, script: script, caller: caller})
	}
	return set, nil
}

func compilePattern(pattern string) (glob.Glob, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = "*"
	}
	return glob.Compile(pattern)
}

func (s *Set) Len() int {
	return len(s.rules)
}

// Resolve implements resolver.Resolver. It declines when no rule matches.
func (s *Set) Resolve(_ context.Context, scriptID, callerID string) (locator.Raw, bool, error) {
	for _, c := range s.rules {
		if !c.script.Match(scriptID) || !c.caller.Match(callerID) {
			continue
		}
		return s.build(c.rule, scriptID, callerID), true, nil
	}
	return locator.Raw{}, false, nil
}

func (s *Set) build(r Rule, scriptID, callerID string) locator.Raw {
	raw := locator.Raw{
		Query:   r.Query.value,
		Headers: r.Headers,
		Method:  strings.ToUpper(strings.TrimSpace(r.Method)),
		Body:    r.Body,
		Timeout: r.Timeout,
		NoCache: r.Cache != nil && !*r.Cache,
	}
	var opts []locator.RemoteOption
	if r.ExcludeExtension {
		opts = append(opts, locator.ExcludeExtension())
	}

	switch {
	case strings.TrimSpace(r.Path) != "":
		raw.URL = s.builder.FileSystem(strings.TrimRight(r.Path, "/") + "/" + scriptID)
		raw.Absolute = true
	case strings.TrimSpace(r.URL) != "":
		expanded := strings.NewReplacer("{scriptId}", scriptID, "{callerId}", callerID).Replace(r.URL)
		raw.URL = s.builder.Remote(expanded, opts...)
	default:
		b := s.builder
		if p := strings.TrimSpace(r.PublicPath); p != "" {
			b.PublicPath = p
		}
		raw.URL = b.Remote(scriptID, opts...)
	}
	return raw
}
