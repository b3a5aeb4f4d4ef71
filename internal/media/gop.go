package media

import "sync"

// GOPCache retains codec headers, the latest metadata and every packet since
// the most recent video keyframe so that late consumers can start decoding
// immediately.
type GOPCache struct {
	mu          sync.RWMutex
	maxPackets  int
	metadata    *Packet
	videoHeader *Packet
	audioHeader *Packet
	gop         []Packet
	overflowed  bool
}

// NewGOPCache bounds the retained group of pictures to maxPackets.
func NewGOPCache(maxPackets int) *GOPCache {
	if maxPackets <= 0 {
		maxPackets = 1024
	}
	return &GOPCache{maxPackets: maxPackets}
}

// Add records p.
func (c *GOPCache) Add(p Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case p.Kind == KindData:
		c.metadata = &p
		return
	case p.SequenceHeader && p.Kind == KindVideo:
		c.videoHeader = &p
		return
	case p.SequenceHeader && p.Kind == KindAudio:
		c.audioHeader = &p
		return
	}

	if p.Kind == KindVideo && p.Keyframe {
		c.gop = c.gop[:0]
		c.overflowed = false
	}
	if c.overflowed || len(c.gop) == 0 && !(p.Kind == KindVideo && p.Keyframe) {
		return
	}
	if len(c.gop) >= c.maxPackets {
		// A partial GOP cannot be decoded; wait for the next keyframe.
		c.gop = c.gop[:0]
		c.overflowed = true
		return
	}
	c.gop = append(c.gop, p)
}

// Headers returns metadata and sequence headers, in the order a consumer
// needs them.
func (c *GOPCache) Headers() []Packet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headersLocked()
}

func (c *GOPCache) headersLocked() []Packet {
	var out []Packet
	for _, p := range []*Packet{c.metadata, c.videoHeader, c.audioHeader} {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Snapshot returns headers followed by the current group of pictures.
func (c *GOPCache) Snapshot() []Packet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.headersLocked()
	return append(out, c.gop...)
}

// Len returns the number of packets in the current group of pictures.
func (c *GOPCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.gop)
}

// Reset drops everything.
func (c *GOPCache) Reset() {
	c.mu.Lock()
	c.metadata, c.videoHeader, c.audioHeader = nil, nil, nil
	c.gop = nil
	c.overflowed = false
	c.mu.Unlock()
}
