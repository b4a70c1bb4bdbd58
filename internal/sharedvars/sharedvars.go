// Package sharedvars implements bucketed shared variable arrays.
//
// A Pool holds a fixed number of independent buckets; each bucket guards a
// set of named arrays of key/value strings behind its own mutex. An array
// lives in exactly one bucket, chosen by a fold-shift hash of its name, so
// operations on unrelated arrays scale across buckets without contention.
package sharedvars

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	apperrors "servcore/pkg/errors"
)

// DefaultBuckets is used when the pool is created with a non-positive
// bucket count.
const DefaultBuckets = 8

type bucket struct {
	mu     sync.Mutex
	arrays map[string]map[string]string
}

// Pool is a fixed set of buckets created once at server start.
type Pool struct {
	buckets []*bucket
}

// NewPool creates a pool with n buckets.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = DefaultBuckets
	}
	p := &Pool{buckets: make([]*bucket, n)}
	for i := range p.buckets {
		p.buckets[i] = &bucket{arrays: make(map[string]map[string]string)}
	}
	return p
}

// bucketFor hashes the array name into its bucket. The fold-shift hash
// keeps all keys of one array in a single bucket for its lifetime.
func (p *Pool) bucketFor(array string) *bucket {
	var h uint64
	for i := 0; i < len(array); i++ {
		h = h<<3 + uint64(array[i])
	}
	return p.buckets[h%uint64(len(p.buckets))]
}

// Get returns the value stored under array/key.
func (p *Pool) Get(array, key string) (string, error) {
	b := p.bucketFor(array)
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arrays[array]
	if !ok {
		return "", apperrors.NewNotFound("no such array: " + array)
	}
	v, ok := a[key]
	if !ok {
		return "", apperrors.NewNotFound("no such key: " + key)
	}
	return v, nil
}

// Set stores value under array/key, creating the array as needed.
func (p *Pool) Set(array, key, value string) {
	b := p.bucketFor(array)
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arrays[array]
	if !ok {
		a = make(map[string]string)
		b.arrays[array] = a
	}
	a[key] = value
}

// Exists reports whether array/key is present.
func (p *Pool) Exists(array, key string) bool {
	b := p.bucketFor(array)
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arrays[array]
	if !ok {
		return false
	}
	_, ok = a[key]
	return ok
}

// Incr parses the current value as an integer, adds delta and stores the
// result, seeding an absent key with zero. It returns the new value.
func (p *Pool) Incr(array, key string, delta int64) (int64, error) {
	b := p.bucketFor(array)
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arrays[array]
	if !ok {
		a = make(map[string]string)
		b.arrays[array] = a
	}
	cur := int64(0)
	if raw, ok := a[key]; ok {
		var err error
		cur, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, apperrors.NewBadRequest("value is not an integer: " + raw)
		}
	}
	cur += delta
	a[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// Append concatenates the given parts onto the existing value.
func (p *Pool) Append(array, key string, parts ...string) string {
	b := p.bucketFor(array)
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arrays[array]
	if !ok {
		a = make(map[string]string)
		b.arrays[array] = a
	}
	var sb strings.Builder
	sb.WriteString(a[key])
	for _, part := range parts {
		sb.WriteString(part)
	}
	a[key] = sb.String()
	return a[key]
}

// Unset removes a single key, or with an empty key the whole array.
func (p *Pool) Unset(array, key string) error {
	b := p.bucketFor(array)
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arrays[array]
	if !ok {
		return apperrors.NewNotFound("no such array: " + array)
	}
	if key == "" {
		delete(b.arrays, array)
		return nil
	}
	if _, ok := a[key]; !ok {
		return apperrors.NewNotFound("no such key: " + key)
	}
	delete(a, key)
	return nil
}

// Keys returns the sorted keys of an array matching the optional glob.
func (p *Pool) Keys(array, pattern string) ([]string, error) {
	b := p.bucketFor(array)
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arrays[array]
	if !ok {
		return nil, apperrors.NewNotFound("no such array: " + array)
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		if pattern == "" || globMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Names walks all buckets and returns the sorted array names matching the
// optional glob. Each bucket is locked only while it is visited.
func (p *Pool) Names(pattern string) []string {
	var names []string
	for _, b := range p.buckets {
		b.mu.Lock()
		for name := range b.arrays {
			if pattern == "" || globMatch(pattern, name) {
				names = append(names, name)
			}
		}
		b.mu.Unlock()
	}
	sort.Strings(names)
	return names
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
