package rules

import (
	"regexp"
	"sync"
)

// regexCache caches case-insensitive compiles of user-authored
// patterns. Rule content is untrusted: a pattern that fails to compile
// is cached as nil and treated as never matching, so a bad pattern can
// never fault the matching loop.
type regexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

var globalRegexCache = &regexCache{compiled: make(map[string]*regexp.Regexp)}

// get returns the compiled case-insensitive form of pattern, or nil if
// the pattern does not compile. Compilation is lazy, once per pattern.
func (c *regexCache) get(pattern string) *regexp.Regexp {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re
	}

	// Compile outside any lock; a duplicate compile on a race is harmless.
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}

	c.mu.Lock()
	c.compiled[pattern] = re
	c.mu.Unlock()
	return re
}

// matchRegex reports whether pattern matches text case-insensitively.
// An invalid pattern never matches.
func matchRegex(pattern, text string) bool {
	re := globalRegexCache.get(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(text)
}
