package responsecache

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Key strategies decide what goes into a rule's cache key.
const (
	// KeyStrategyPath keys on the request path alone.
	KeyStrategyPath = "path"
	// KeyStrategyPathQuery keys on path plus the canonicalized query string.
	KeyStrategyPathQuery = "path_query"
	// KeyStrategyPathQueryHeaders additionally mixes in the rule's KeyHeaders.
	KeyStrategyPathQueryHeaders = "path_query_headers"
	// KeyStrategyCustom delegates to a builder registered on the engine.
	KeyStrategyCustom = "custom"
)

// Rule is one response-caching policy entry. Rules are loaded once from
// configuration and immutable afterwards; higher Priority wins when several
// rules match a request.
type Rule struct {
	Name        string        `json:"name" yaml:"name"`
	PathPattern string        `json:"path_pattern" yaml:"path_pattern"`
	IsRegex     bool          `json:"is_regex" yaml:"is_regex"`
	Methods     []string      `json:"methods" yaml:"methods"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	// CacheControl overrides the derived "public, max-age=..." header value.
	CacheControl string `json:"cache_control" yaml:"cache_control"`
	Priority     int    `json:"priority" yaml:"priority"`
	// VaryHeaders overrides the engine's default Vary set.
	VaryHeaders []string `json:"vary_headers" yaml:"vary_headers"`
	KeyStrategy string   `json:"key_strategy" yaml:"key_strategy"`
	// KeyHeaders lists the headers mixed into the key for
	// KeyStrategyPathQueryHeaders.
	KeyHeaders          []string `json:"key_headers" yaml:"key_headers"`
	GenerateETag        bool     `json:"generate_etag" yaml:"generate_etag"`
	IncludeLastModified bool     `json:"include_last_modified" yaml:"include_last_modified"`
}

// compiledRule pairs a normalized rule with its ready-to-run matcher.
type compiledRule struct {
	rule    Rule
	glob    glob.Glob
	regex   *regexp.Regexp
	methods map[string]struct{}
}

// compileRule validates and compiles one rule. Malformed patterns and unknown
// enum values fail here so a bad configuration is caught at startup.
func compileRule(rule Rule) (*compiledRule, error) {
	if rule.PathPattern == "" {
		return nil, fmt.Errorf("rule %q has no path pattern", rule.Name)
	}
	if rule.Duration <= 0 && rule.CacheControl == "" {
		return nil, fmt.Errorf("rule %q has neither a duration nor a cache-control value", rule.Name)
	}

	switch rule.KeyStrategy {
	case "":
		rule.KeyStrategy = KeyStrategyPathQuery
	case KeyStrategyPath, KeyStrategyPathQuery, KeyStrategyPathQueryHeaders, KeyStrategyCustom:
	default:
		return nil, fmt.Errorf("rule %q has unknown key strategy %q", rule.Name, rule.KeyStrategy)
	}

	cr := &compiledRule{rule: rule, methods: make(map[string]struct{})}

	methods := rule.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	for _, method := range methods {
		cr.methods[strings.ToUpper(method)] = struct{}{}
	}

	if rule.IsRegex {
		re, err := regexp.Compile("(?i)" + rule.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q has a malformed regex %q: %w", rule.Name, rule.PathPattern, err)
		}
		cr.regex = re
		return cr, nil
	}

	g, err := glob.Compile(strings.ToLower(rule.PathPattern))
	if err != nil {
		return nil, fmt.Errorf("rule %q has a malformed glob %q: %w", rule.Name, rule.PathPattern, err)
	}
	cr.glob = g
	return cr, nil
}

// matches reports whether the rule covers the request. Path matching is
// case-insensitive; method must already be uppercased.
func (r *compiledRule) matches(path, lowerPath, method string) bool {
	if _, ok := r.methods[method]; !ok {
		return false
	}
	if r.regex != nil {
		return r.regex.MatchString(path)
	}
	return r.glob.Match(lowerPath)
}
