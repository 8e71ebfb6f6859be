package diskcache

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// index tracks file sizes in recency order. It is owned by the event loop
// and not safe for concurrent use.
type index struct {
	lru   *simplelru.LRU[string, uint64]
	total uint64
}

func newIndex() *index {
	// Capacity is bounded by bytes, not entries.
	lru, _ := simplelru.NewLRU[string, uint64](math.MaxInt32, nil)
	return &index{lru: lru}
}

// put inserts or replaces path at the most recently used end.
func (x *index) put(path string, size uint64) {
	x.remove(path)
	x.lru.Add(path, size)
	x.total += size
}

func (x *index) remove(path string) (uint64, bool) {
	size, ok := x.lru.Peek(path)
	if !ok {
		return 0, false
	}
	x.lru.Remove(path)
	x.total -= size
	return size, true
}

// removeDir drops every entry below dir.
func (x *index) removeDir(dir string) []string {
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)
	var removed []string
	for _, p := range x.lru.Keys() {
		if strings.HasPrefix(p, prefix) {
			x.remove(p)
			removed = append(removed, p)
		}
	}
	return removed
}

// touch moves a tracked path to the most recently used end.
func (x *index) touch(path string) bool {
	_, ok := x.lru.Get(path)
	return ok
}

func (x *index) contains(path string) bool {
	return x.lru.Contains(path)
}

func (x *index) oldest() (string, uint64, bool) {
	return x.lru.GetOldest()
}

func (x *index) len() int {
	return x.lru.Len()
}

// paths returns tracked paths, least recently used first.
func (x *index) paths() []string {
	return x.lru.Keys()
}
