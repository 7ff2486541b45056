// Package codecache hands out native sub-kernel functions by id, translating
// each one on first request and caching the result for the kernel's lifetime.
package codecache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/LynnColeArt/simt/executive"
)

var log = commonlog.GetLogger("simt.codecache")

// ErrTranslation wraps every failure to produce a native function.
var ErrTranslation = errors.New("codecache: translation failed")

// Translator produces the native function for a sub-kernel id.
type Translator interface {
	Translate(id uint32) (executive.NativeFunction, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(id uint32) (executive.NativeFunction, error)

// Translate calls f(id).
func (f TranslatorFunc) Translate(id uint32) (executive.NativeFunction, error) {
	return f(id)
}

// Table translates from a fixed set of precompiled functions.
type Table map[uint32]executive.NativeFunction

// Translate returns the function registered for id.
func (t Table) Translate(id uint32) (executive.NativeFunction, error) {
	fn, ok := t[id]
	if !ok || fn == nil {
		return nil, fmt.Errorf("no function for id %d", id)
	}
	return fn, nil
}

// Stats counts cache activity.
type Stats struct {
	Hits         int
	Translations int
	Failures     int
}

type entry struct {
	fn  executive.NativeFunction
	err error
}

// Cache is safe for concurrent use by several CTAs of one kernel.
type Cache struct {
	mu         sync.Mutex
	translator Translator
	entries    map[uint32]entry
	stats      Stats
}

// New creates a cache over translator.
func New(translator Translator) *Cache {
	return &Cache{
		translator: translator,
		entries:    make(map[uint32]entry),
	}
}

// Get returns the native function for id, translating it on first use.
// A failed translation is remembered and returned again on later requests.
func (c *Cache) Get(id uint32) (executive.NativeFunction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.stats.Hits++
		return e.fn, e.err
	}

	fn, err := c.translator.Translate(id)
	if err == nil && fn == nil {
		err = errors.New("translator returned no function")
	}
	if err != nil {
		err = fmt.Errorf("%w: sub-kernel %d: %v", ErrTranslation, id, err)
		c.entries[id] = entry{err: err}
		c.stats.Failures++
		log.Errorf("%s", err)
		return nil, err
	}

	c.entries[id] = entry{fn: fn}
	c.stats.Translations++
	log.Debugf("translated sub-kernel %d", id)
	return fn, nil
}

// Has reports whether id has been translated successfully.
func (c *Cache) Has(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.err == nil
}

// IDs returns the translated ids in ascending order.
func (c *Cache) IDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint32, 0, len(c.entries))
	for id, e := range c.entries {
		if e.err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close drops every cached function.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.entries); n > 0 {
		log.Debugf("releasing %d cached sub-kernels", n)
	}
	c.entries = make(map[uint32]entry)
}
