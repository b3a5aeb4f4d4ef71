package rtmp

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vtcast/internal/media"
)

// PublisherInfo describes an active publish.
type PublisherInfo struct {
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	App        string    `json:"app"`
	StreamName string    `json:"stream_name"`
	StartedAt  time.Time `json:"started_at"`
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	Keyframes  uint64    `json:"keyframes"`
	GOPPackets int       `json:"gop_packets"`
}

type publisher struct {
	base      PublisherInfo
	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyframes atomic.Uint64
	gop       *media.GOPCache
}

func (p *publisher) record(pkt media.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(pkt.Size()))
	if pkt.Keyframe && !pkt.SequenceHeader {
		p.keyframes.Add(1)
	}
	if p.gop != nil {
		p.gop.Add(pkt)
	}
}

func (p *publisher) info() PublisherInfo {
	info := p.base
	info.Packets = p.packets.Load()
	info.Bytes = p.bytes.Load()
	info.Keyframes = p.keyframes.Load()
	if p.gop != nil {
		info.GOPPackets = p.gop.Len()
	}
	return info
}

// registry tracks active publishers, one per stream name.
type registry struct {
	mu       sync.RWMutex
	byConn   map[string]*publisher
	byStream map[string]string
}

func newRegistry() *registry {
	return &registry{
		byConn:   make(map[string]*publisher),
		byStream: make(map[string]string),
	}
}

func (r *registry) add(info PublisherInfo, gopCache bool, gopSize int) (*publisher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.byStream[info.StreamName]; busy {
		return nil, fmt.Errorf("%w: %s", ErrStreamBusy, info.StreamName)
	}
	p := &publisher{base: info}
	if gopCache {
		p.gop = media.NewGOPCache(gopSize)
	}
	r.byConn[info.ConnID] = p
	r.byStream[info.StreamName] = info.ConnID
	return p, nil
}

func (r *registry) remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if r.byStream[p.base.StreamName] == connID {
		delete(r.byStream, p.base.StreamName)
	}
}

func (r *registry) list() []PublisherInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PublisherInfo, 0, len(r.byConn))
	for _, p := range r.byConn {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *registry) snapshot(stream string) []media.Packet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.byStream[stream]
	if !ok {
		return nil
	}
	p := r.byConn[connID]
	if p.gop == nil {
		return nil
	}
	return p.gop.Snapshot()
}
