package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"post.created", "post.created", true},
		{"post.created", "post.deleted", false},
		{"post.*", "post.created", true},
		{"post.*", "post.created.v2", false},
		{"post.*", "post", false},
		{"*.deleted", "post.deleted", true},
		{"post.#", "post", true},
		{"post.#", "post.created", true},
		{"post.#", "post.media.deleted", true},
		{"#", "anything.at.all", true},
		{"#.deleted", "post.deleted", true},
		{"#.deleted", "deleted", true},
		{"#.deleted", "post.created", false},
		{"post.#.deleted", "post.deleted", true},
		{"post.#.deleted", "post.a.b.deleted", true},
		{"post.#.deleted", "post.a.b.created", false},
		{"*.*", "post.created", true},
		{"*.*", "post", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.key), "Match(%q, %q)", tc.pattern, tc.key)
	}
}

func TestValidateRoutingKey(t *testing.T) {
	assert.NoError(t, ValidateRoutingKey("post.created"))
	assert.NoError(t, ValidateRoutingKey("media"))

	for _, bad := range []string{"", "post.", ".post", "post..created", "post.*", "post.#"} {
		assert.ErrorIs(t, ValidateRoutingKey(bad), ErrInvalidRoutingKey, bad)
	}
}

func TestValidatePattern(t *testing.T) {
	for _, ok := range []string{"post.created", "post.*", "#", "*.deleted", "post.#.v1"} {
		assert.NoError(t, ValidatePattern(ok), ok)
	}
	for _, bad := range []string{"", "post.", "post*", "po#st", "a..b"} {
		assert.ErrorIs(t, ValidatePattern(bad), ErrInvalidRoutingKey, bad)
	}
}
