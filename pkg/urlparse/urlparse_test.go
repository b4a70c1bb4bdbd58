package urlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullURL(t *testing.T) {
	u, err := Parse("http://user:pw@www.example.com:8000/baz/blah/spoo.html?q=1#frag", false)
	require.NoError(t, err)

	assert.Equal(t, "http", u.Scheme.Value)
	assert.Equal(t, "user:pw", u.UserInfo.Value)
	assert.Equal(t, "www.example.com", u.Host.Value)
	assert.Equal(t, "8000", u.Port.Value)
	assert.Equal(t, "baz/blah", u.Path.Value)
	assert.Equal(t, "spoo.html", u.Tail.Value)
	assert.Equal(t, "q=1", u.Query.Value)
	assert.Equal(t, "frag", u.Fragment.Value)
}

func TestParseComponentsOptional(t *testing.T) {
	t.Run("host only", func(t *testing.T) {
		u, err := Parse("http://example.com", false)
		require.NoError(t, err)
		assert.Equal(t, "example.com", u.Host.Value)
		assert.False(t, u.Port.Set)
		assert.True(t, u.Path.Set)
		assert.Equal(t, "", u.Path.Value)
		assert.Equal(t, "", u.Tail.Value)
		assert.False(t, u.Query.Set)
	})

	t.Run("rooted path without host", func(t *testing.T) {
		u, err := Parse("/a/b/c.html", false)
		require.NoError(t, err)
		assert.False(t, u.Host.Set)
		assert.Equal(t, "a/b", u.Path.Value)
		assert.Equal(t, "c.html", u.Tail.Value)
	})

	t.Run("single segment path", func(t *testing.T) {
		u, err := Parse("/index.html", false)
		require.NoError(t, err)
		assert.True(t, u.Path.Set)
		assert.Equal(t, "", u.Path.Value)
		assert.Equal(t, "index.html", u.Tail.Value)
	})

	t.Run("relative without slash defines only the tail", func(t *testing.T) {
		u, err := Parse("spoo.html", false)
		require.NoError(t, err)
		assert.False(t, u.Path.Set)
		assert.Equal(t, "spoo.html", u.Tail.Value)
	})

	t.Run("query without path", func(t *testing.T) {
		u, err := Parse("http://h?x=y", false)
		require.NoError(t, err)
		assert.Equal(t, "x=y", u.Query.Value)
		assert.False(t, u.Fragment.Set)
	})

	t.Run("fragment only", func(t *testing.T) {
		u, err := Parse("#top", false)
		require.NoError(t, err)
		assert.Equal(t, "top", u.Fragment.Value)
	})

	t.Run("empty query is present but empty", func(t *testing.T) {
		u, err := Parse("http://h/p?", false)
		require.NoError(t, err)
		assert.True(t, u.Query.Set)
		assert.Equal(t, "", u.Query.Value)
	})
}

func TestParseIPv6Host(t *testing.T) {
	u, err := Parse("http://[::1]:8080/x", false)
	require.NoError(t, err)
	assert.Equal(t, "::1", u.Host.Value)
	assert.Equal(t, "8080", u.Port.Value)
}

func TestRejectColonBeforeSlashWithoutScheme(t *testing.T) {
	// Authority-less inputs must not contain a colon before the first
	// slash, even in non-strict mode.
	_, err := Parse("bad:thing", false)
	assert.Error(t, err)

	_, err = Parse("ok/with:colon", false)
	assert.NoError(t, err)
}

func TestStrictValidation(t *testing.T) {
	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		{"valid", "http://h/a/b.html?x=y#z", true},
		{"space in path", "http://h/a b", false},
		{"brace in query", "http://h/p?x={y}", false},
		{"control in fragment", "http://h/p#a\x01b", false},
		{"nonnumeric port", "http://h:80a/p", false},
		{"percent escape accepted by range", "http://h/a%20b", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.url, true)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAbsolute(t *testing.T) {
	t.Run("fills scheme host and port from base", func(t *testing.T) {
		got, err := Absolute("/a/b.html", "http://example.com:8000/old/page")
		require.NoError(t, err)
		assert.Equal(t, "http://example.com:8000/a/b.html", got)
	})

	t.Run("complete URL passes through", func(t *testing.T) {
		got, err := Absolute("https://other.org/x", "http://example.com/")
		require.NoError(t, err)
		assert.Equal(t, "https://other.org/x", got)
	})

	t.Run("keeps the query", func(t *testing.T) {
		got, err := Absolute("/s?q=1", "http://h")
		require.NoError(t, err)
		assert.Equal(t, "http://h/s?q=1", got)
	})

	t.Run("errors when the base has no host", func(t *testing.T) {
		_, err := Absolute("/x", "/just/a/path")
		assert.Error(t, err)
	})
}
