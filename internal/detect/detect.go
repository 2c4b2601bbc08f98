// Package detect classifies requests into known external API providers.
package detect

import (
	"fmt"
	"regexp"
)

type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderStability Provider = "stability"
	ProviderSerper    Provider = "serper"
	ProviderTavily    Provider = "tavily"
	ProviderExa       Provider = "exa"
	ProviderFirecrawl Provider = "firecrawl"
)

// Rule maps a provider to the patterns that identify it. Patterns are
// regular expressions matched case-insensitively against the request
// path and user agent.
type Rule struct {
	Provider Provider
	Patterns []string
}

// DefaultRules returns the detection table for the providers the
// backend calls. Order matters: the first matching rule wins.
func DefaultRules() []Rule {
	return []Rule{
		{ProviderGemini, []string{`generativelanguage\.googleapis\.com`, `/gemini(/|$)`, `google-genai`}},
		{ProviderOpenAI, []string{`api\.openai\.com`, `/openai(/|$)`, `openai-python`}},
		{ProviderAnthropic, []string{`api\.anthropic\.com`, `/anthropic(/|$)`, `/claude(/|$)`, `anthropic-sdk`}},
		{ProviderStability, []string{`api\.stability\.ai`, `/stability(/|$)`, `stable-diffusion`}},
		{ProviderSerper, []string{`google\.serper\.dev`, `/serper(/|$)`}},
		{ProviderTavily, []string{`api\.tavily\.com`, `/tavily(/|$)`}},
		{ProviderExa, []string{`api\.exa\.ai`, `/exa(/|$)`}},
		{ProviderFirecrawl, []string{`api\.firecrawl\.dev`, `/firecrawl(/|$)`}},
	}
}

type compiledRule struct {
	provider Provider
	patterns []*regexp.Regexp
}

// Detector matches requests against an ordered rule table. It is
// immutable after construction and safe for concurrent use.
type Detector struct {
	rules []compiledRule
}

// NewDetector compiles the rule table. Adding a provider means adding
// a Rule, not code.
func NewDetector(rules []Rule) (*Detector, error) {
	d := &Detector{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr := compiledRule{provider: r.Provider, patterns: make([]*regexp.Regexp, 0, len(r.Patterns))}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("compile pattern %q for %s: %w", p, r.Provider, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		d.rules = append(d.rules, cr)
	}
	return d, nil
}

// Detect returns the first provider whose patterns match the path or
// the user agent. No match is a normal outcome, not an error.
func (d *Detector) Detect(path, userAgent string) (Provider, bool) {
	for _, r := range d.rules {
		for _, re := range r.patterns {
			if re.MatchString(path) || (userAgent != "" && re.MatchString(userAgent)) {
				return r.provider, true
			}
		}
	}
	return "", false
}
