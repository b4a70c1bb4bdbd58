// Package index provides a sorted array with user-supplied comparators and
// multi-match lookup.
package index

import (
	"sort"
	"strings"
)

// CmpFunc orders two elements.
type CmpFunc[T any] func(a, b T) int

// KeyCmpFunc compares a search key against an element.
type KeyCmpFunc[K, T any] func(key K, el T) int

// Index keeps elements sorted under an element comparator and answers
// key-based queries through a separate key comparator. Elements with equal
// keys are allowed; Find returns the first of them.
type Index[K, T any] struct {
	els    []T
	inc    int
	cmpEl  CmpFunc[T]
	cmpKey KeyCmpFunc[K, T]
}

// New creates an index. inc is the initial capacity hint.
func New[K, T any](inc int, cmpEl CmpFunc[T], cmpKey KeyCmpFunc[K, T]) *Index[K, T] {
	if inc < 1 {
		inc = 1
	}
	return &Index[K, T]{
		els:    make([]T, 0, inc),
		inc:    inc,
		cmpEl:  cmpEl,
		cmpKey: cmpKey,
	}
}

// Len returns the number of elements.
func (ix *Index[K, T]) Len() int { return len(ix.els) }

// El returns the i'th element in sort order.
func (ix *Index[K, T]) El(i int) T { return ix.els[i] }

// Trunc removes all elements, keeping the storage.
func (ix *Index[K, T]) Trunc() { ix.els = ix.els[:0] }

// Add inserts an element at its sorted position, shifting later elements
// forward. Equal elements keep insertion order stable with respect to the
// shift point.
func (ix *Index[K, T]) Add(el T) {
	i := sort.Search(len(ix.els), func(i int) bool {
		return ix.cmpEl(el, ix.els[i]) < 0
	})
	var zero T
	ix.els = append(ix.els, zero)
	copy(ix.els[i+1:], ix.els[i:])
	ix.els[i] = el
}

// Del removes the first element that compares equal to el. It reports
// whether an element was removed.
func (ix *Index[K, T]) Del(el T) bool {
	for i := range ix.els {
		if ix.cmpEl(el, ix.els[i]) == 0 {
			copy(ix.els[i:], ix.els[i+1:])
			ix.els = ix.els[:len(ix.els)-1]
			return true
		}
	}
	return false
}

// Find returns the first element matching key.
func (ix *Index[K, T]) Find(key K) (T, bool) {
	var zero T
	i := ix.lowerBound(key)
	if i < len(ix.els) && ix.cmpKey(key, ix.els[i]) == 0 {
		return ix.els[i], true
	}
	return zero, false
}

// FindInf returns the greatest element whose key is less than or equal to
// key, or reports false when the key sorts before the first element.
func (ix *Index[K, T]) FindInf(key K) (T, bool) {
	var zero T
	if len(ix.els) == 0 {
		return zero, false
	}
	// First element strictly greater than key.
	i := sort.Search(len(ix.els), func(i int) bool {
		return ix.cmpKey(key, ix.els[i]) < 0
	})
	if i == 0 {
		return zero, false
	}
	return ix.els[i-1], true
}

// FindMultiple returns all elements whose key matches, in sort order: a
// lower-bound search finds the first match and a scan to the right
// collects the rest.
func (ix *Index[K, T]) FindMultiple(key K) []T {
	first := ix.lowerBound(key)
	if first >= len(ix.els) || ix.cmpKey(key, ix.els[first]) != 0 {
		return nil
	}
	last := first + 1
	for last < len(ix.els) && ix.cmpKey(key, ix.els[last]) == 0 {
		last++
	}
	out := make([]T, last-first)
	copy(out, ix.els[first:last])
	return out
}

// lowerBound returns the position of the first element not less than key.
func (ix *Index[K, T]) lowerBound(key K) int {
	return sort.Search(len(ix.els), func(i int) bool {
		return ix.cmpKey(key, ix.els[i]) <= 0
	})
}

// StringIndex is the common specialisation for sorted owned strings.
type StringIndex struct {
	Index[string, string]
}

// NewStringIndex creates a sorted string index.
func NewStringIndex(inc int) *StringIndex {
	six := &StringIndex{}
	six.Index = *New[string, string](inc, strings.Compare,
		func(key, el string) int { return strings.Compare(key, el) })
	return six
}

// AddString stores its own copy of the string.
func (six *StringIndex) AddString(s string) {
	six.Add(strings.Clone(s))
}
