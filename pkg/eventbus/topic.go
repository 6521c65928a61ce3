package eventbus

import (
	"fmt"
	"strings"
)

const maxRoutingKeyLen = 255

// ValidateRoutingKey checks a publish-side routing key: dot-separated,
// non-empty words, no wildcards.
func ValidateRoutingKey(key string) error {
	if key == "" || len(key) > maxRoutingKeyLen {
		return fmt.Errorf("%w: %q", ErrInvalidRoutingKey, key)
	}
	for _, w := range strings.Split(key, ".") {
		if w == "" || strings.ContainsAny(w, "*#") {
			return fmt.Errorf("%w: %q", ErrInvalidRoutingKey, key)
		}
	}
	return nil
}

// ValidatePattern checks a binding pattern. A word is either a literal,
// "*" (exactly one word) or "#" (zero or more words).
func ValidatePattern(pattern string) error {
	if pattern == "" || len(pattern) > maxRoutingKeyLen {
		return fmt.Errorf("%w: %q", ErrInvalidRoutingKey, pattern)
	}
	for _, w := range strings.Split(pattern, ".") {
		switch {
		case w == "":
			return fmt.Errorf("%w: %q", ErrInvalidRoutingKey, pattern)
		case w == "*" || w == "#":
		case strings.ContainsAny(w, "*#"):
			return fmt.Errorf("%w: %q", ErrInvalidRoutingKey, pattern)
		}
	}
	return nil
}

// Match reports whether a routing key matches a topic binding pattern.
func Match(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
