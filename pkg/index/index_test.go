package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	key string
	seq int
}

func newRecIndex() *Index[string, *rec] {
	return New[string, *rec](4,
		func(a, b *rec) int { return strings.Compare(a.key, b.key) },
		func(key string, el *rec) int { return strings.Compare(key, el.key) })
}

func TestAddKeepsSortOrder(t *testing.T) {
	ix := newRecIndex()
	for _, k := range []string{"m", "a", "z", "f", "q"} {
		ix.Add(&rec{key: k})
	}
	var got []string
	for i := 0; i < ix.Len(); i++ {
		got = append(got, ix.El(i).key)
	}
	assert.Equal(t, []string{"a", "f", "m", "q", "z"}, got)
}

func TestFind(t *testing.T) {
	ix := newRecIndex()
	ix.Add(&rec{key: "b"})
	ix.Add(&rec{key: "d"})

	el, ok := ix.Find("b")
	require.True(t, ok)
	assert.Equal(t, "b", el.key)

	_, ok = ix.Find("c")
	assert.False(t, ok)
}

func TestFindReturnsFirstOfEqualKeys(t *testing.T) {
	ix := newRecIndex()
	ix.Add(&rec{key: "a"})
	ix.Add(&rec{key: "k", seq: 1})
	ix.Add(&rec{key: "k", seq: 2})
	ix.Add(&rec{key: "z"})

	el, ok := ix.Find("k")
	require.True(t, ok)
	assert.Equal(t, "k", el.key)
	assert.Same(t, ix.El(1), el)
}

func TestFindInf(t *testing.T) {
	ix := newRecIndex()
	for _, k := range []string{"b", "f", "m"} {
		ix.Add(&rec{key: k})
	}

	t.Run("exact match", func(t *testing.T) {
		el, ok := ix.FindInf("f")
		require.True(t, ok)
		assert.Equal(t, "f", el.key)
	})

	t.Run("between elements returns the predecessor", func(t *testing.T) {
		el, ok := ix.FindInf("g")
		require.True(t, ok)
		assert.Equal(t, "f", el.key)
	})

	t.Run("beyond the end returns the last", func(t *testing.T) {
		el, ok := ix.FindInf("zzz")
		require.True(t, ok)
		assert.Equal(t, "m", el.key)
	})

	t.Run("before the first reports no match", func(t *testing.T) {
		_, ok := ix.FindInf("a")
		assert.False(t, ok)
	})
}

func TestFindMultiple(t *testing.T) {
	ix := newRecIndex()
	ix.Add(&rec{key: "a"})
	ix.Add(&rec{key: "k", seq: 1})
	ix.Add(&rec{key: "k", seq: 2})
	ix.Add(&rec{key: "k", seq: 3})
	ix.Add(&rec{key: "z"})

	got := ix.FindMultiple("k")
	require.Len(t, got, 3)
	for _, el := range got {
		assert.Equal(t, "k", el.key)
	}

	assert.Nil(t, ix.FindMultiple("missing"))
}

func TestDel(t *testing.T) {
	ix := newRecIndex()
	a := &rec{key: "a"}
	b := &rec{key: "b"}
	ix.Add(a)
	ix.Add(b)

	assert.True(t, ix.Del(a))
	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, "b", ix.El(0).key)
	assert.False(t, ix.Del(&rec{key: "a"}), "already removed")
}

func TestStringIndex(t *testing.T) {
	six := NewStringIndex(2)
	six.AddString("beta")
	six.AddString("alpha")

	el, ok := six.Find("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", el)
	assert.Equal(t, "alpha", six.El(0))
	assert.Equal(t, "beta", six.El(1))
}
