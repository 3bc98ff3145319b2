package codeview

import "sort"

// CacheCap bounds the prefetch cache.
const CacheCap = 8

// PrefetchCache holds speculatively fetched chunks keyed by start
// address. Every insertion prunes the cache back to the entries
// nearest the current center of interest.
type PrefetchCache struct {
	chunks map[uint64]Chunk
}

func NewPrefetchCache() *PrefetchCache {
	return &PrefetchCache{chunks: make(map[uint64]Chunk)}
}

func (c *PrefetchCache) Len() int { return len(c.chunks) }

func (c *PrefetchCache) Has(addr uint64) bool {
	_, ok := c.chunks[addr]
	return ok
}

// Put stores ch, then prunes the cache to the CacheCap entries whose
// start addresses lie closest to center.
func (c *PrefetchCache) Put(ch Chunk, center uint64) {
	c.chunks[ch.Start] = ch
	if len(c.chunks) <= CacheCap {
		return
	}
	keys := make([]uint64, 0, len(c.chunks))
	for k := range c.chunks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := addrDist(keys[i], center), addrDist(keys[j], center)
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys[CacheCap:] {
		delete(c.chunks, k)
	}
}

// TakeCovering removes and returns a cached chunk whose instruction
// range contains addr. When several qualify, the one starting closest
// to addr wins.
func (c *PrefetchCache) TakeCovering(addr uint64) (Chunk, bool) {
	var best uint64
	found := false
	for start, ch := range c.chunks {
		if start <= addr && addr < ch.End() && (!found || start > best) {
			best = start
			found = true
		}
	}
	if !found {
		return Chunk{}, false
	}
	ch := c.chunks[best]
	delete(c.chunks, best)
	return ch, true
}

func (c *PrefetchCache) Clear() {
	c.chunks = make(map[uint64]Chunk)
}

func addrDist(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
