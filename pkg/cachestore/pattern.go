package cachestore

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// compiledPatterns caches one compiled regex per distinct pattern string so
// repeated invalidations of the same pattern never recompile.
var compiledPatterns sync.Map

// CompilePattern translates a glob pattern into an anchored, case-insensitive
// regex: "posts:*" becomes ^posts:.*$. Every character other than '*' is
// matched literally.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := compiledPatterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	expr := "(?i)^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %q: %w", pattern, err)
	}

	actual, _ := compiledPatterns.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// MatchPattern reports whether key matches the glob pattern. An
// uncompilable pattern matches nothing.
func MatchPattern(pattern, key string) bool {
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(key)
}
