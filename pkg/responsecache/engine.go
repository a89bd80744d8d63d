// responsecache/engine.go
package responsecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// KeyBuilder derives the cache key for a request matched by a rule with
// KeyStrategyCustom.
type KeyBuilder func(path string, query url.Values, headers http.Header) string

// Options configure engine behavior beyond the rule list itself.
type Options struct {
	// NeverCache lists glob patterns checked before any rule; a matching path
	// is never cached, regardless of rule priorities.
	NeverCache []string
	// DefaultVary is the Vary header set for rules without their own override.
	DefaultVary []string
	// DefaultDuration, when positive, synthesizes a lowest-priority GET rule
	// so unmatched paths still cache. Leaving it zero keeps the usual policy:
	// no matching rule means no caching.
	DefaultDuration time.Duration
	// KeyPrefix namespaces every generated cache key.
	KeyPrefix string
	// KeyBuilders supplies the builders for custom-strategy rules, by rule name.
	KeyBuilders map[string]KeyBuilder
}

// Engine decides response-cache policy for inbound requests from an immutable
// priority-ordered rule list. All methods are pure reads over state fixed at
// construction, so the engine is safe for unsynchronized concurrent use.
type Engine struct {
	rules       []*compiledRule
	neverCache  []glob.Glob
	defaultVary []string
	keyPrefix   string
	keyBuilders map[string]KeyBuilder
	logger      zerolog.Logger
}

// NewEngine compiles the rule list and options into an Engine. Any malformed
// pattern or unknown enum value fails construction.
func NewEngine(rules []Rule, opts Options, logger zerolog.Logger) (*Engine, error) {
	if len(opts.DefaultVary) == 0 {
		opts.DefaultVary = []string{"Accept", "Accept-Encoding"}
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "response:"
	}

	compiled := make([]*compiledRule, 0, len(rules)+1)
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("failed to compile cache rule: %w", err)
		}
		compiled = append(compiled, cr)
	}

	if opts.DefaultDuration > 0 {
		cr, err := compileRule(Rule{
			Name:        "default",
			PathPattern: "*",
			Methods:     []string{http.MethodGet},
			Duration:    opts.DefaultDuration,
			Priority:    math.MinInt32,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to compile default cache rule: %w", err)
		}
		compiled = append(compiled, cr)
	}

	// Descending priority; the stable sort keeps declaration order for ties.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	never := make([]glob.Glob, 0, len(opts.NeverCache))
	for _, pattern := range opts.NeverCache {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("malformed never-cache pattern %q: %w", pattern, err)
		}
		never = append(never, g)
	}

	return &Engine{
		rules:       compiled,
		neverCache:  never,
		defaultVary: opts.DefaultVary,
		keyPrefix:   opts.KeyPrefix,
		keyBuilders: opts.KeyBuilders,
		logger:      logger.With().Str("component", "ResponseCacheEngine").Logger(),
	}, nil
}

// Rule selects the policy for (path, method): never-cache patterns first,
// then the highest-priority matching rule. A false result means the response
// must not be cached. The returned rule is shared engine state; callers must
// not modify it.
func (e *Engine) Rule(path, method string) (*Rule, bool) {
	lowerPath := strings.ToLower(path)
	for _, g := range e.neverCache {
		if g.Match(lowerPath) {
			return nil, false
		}
	}

	method = strings.ToUpper(method)
	for _, cr := range e.rules {
		if cr.matches(path, lowerPath, method) {
			return &cr.rule, true
		}
	}
	return nil, false
}

// CacheKey derives the storage key for a request under the given rule. Keys
// are deterministic: the query string is canonicalized so parameter order
// does not fragment the cache.
func (e *Engine) CacheKey(path string, query url.Values, headers http.Header, rule *Rule) string {
	switch rule.KeyStrategy {
	case KeyStrategyPath:
		return e.keyPrefix + strings.ToLower(path)
	case KeyStrategyPathQueryHeaders:
		var b strings.Builder
		b.WriteString(e.pathQueryKey(path, query))
		for _, name := range rule.KeyHeaders {
			b.WriteString("|")
			b.WriteString(strings.ToLower(name))
			b.WriteString("=")
			b.WriteString(headers.Get(name))
		}
		return e.keyPrefix + b.String()
	case KeyStrategyCustom:
		if builder, ok := e.keyBuilders[rule.Name]; ok {
			return e.keyPrefix + builder(path, query, headers)
		}
		e.logger.Warn().Str("rule", rule.Name).Msg("No key builder registered for custom-strategy rule; falling back to path and query.")
		return e.keyPrefix + e.pathQueryKey(path, query)
	default:
		return e.keyPrefix + e.pathQueryKey(path, query)
	}
}

// CacheControl returns the rule's header value, deriving "public, max-age"
// from the duration when the rule has no literal value.
func (e *Engine) CacheControl(rule *Rule) string {
	if rule.CacheControl != "" {
		return rule.CacheControl
	}
	return fmt.Sprintf("public, max-age=%d", int(rule.Duration.Seconds()))
}

// VaryHeaders returns the rule's Vary set, or the engine default.
func (e *Engine) VaryHeaders(rule *Rule) []string {
	if len(rule.VaryHeaders) > 0 {
		return rule.VaryHeaders
	}
	return e.defaultVary
}

func (e *Engine) pathQueryKey(path string, query url.Values) string {
	if len(query) == 0 {
		return strings.ToLower(path)
	}
	// Encode sorts by parameter name.
	return strings.ToLower(path) + "?" + query.Encode()
}

// ETagFor computes a strong quoted entity tag for a response body.
func ETagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// LastModifiedFor formats t as a Last-Modified header value.
func LastModifiedFor(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
