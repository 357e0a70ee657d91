package registry

import (
	"sort"
	"sync"
	"time"

	"nuha.dev/gpsgateway/internal/gateway/device"
)

type entry struct {
	conn     device.Conn
	last     device.Report
	lastSeen time.Time
}

// Entry is a point-in-time copy of one registered device.
type Entry struct {
	IMEI       string        `json:"imei"`
	Cid        uint64        `json:"cid"`
	RemoteAddr string        `json:"remote_addr"`
	LastReport device.Report `json:"last_report"`
	LastSeen   time.Time     `json:"last_seen"`
}

// Registry maps device identity to the connection currently reporting it.
type Registry struct {
	mu   sync.Mutex
	list map[string]*entry
	now  func() time.Time
}

func New() *Registry {
	return &Registry{list: make(map[string]*entry), now: time.Now}
}

// RegisterOrUpdate stores report as the latest for identity and points the
// entry at c. When another connection owned identity, it is returned.
func (r *Registry) RegisterOrUpdate(identity string, c device.Conn, report device.Report) (prev device.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.list[identity]
	if !ok {
		e = &entry{}
		r.list[identity] = e
	} else if e.conn != c {
		prev = e.conn
	}
	e.conn = c
	e.last = report
	e.lastSeen = r.now()
	return prev
}

func (r *Registry) Lookup(identity string) (device.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.list[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// RemoveIfCurrent deletes identity only while it still points at c, so a
// late cleanup of a replaced connection leaves the newer entry alone.
func (r *Registry) RemoveIfCurrent(identity string, c device.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.list[identity]
	if !ok || e.conn != c {
		return false
	}
	delete(r.list, identity)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// Snapshot returns all entries ordered by identity.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.list))
	for k, e := range r.list {
		out = append(out, Entry{IMEI: k, Cid: e.conn.Cid(), RemoteAddr: e.conn.RemoteAddr(), LastReport: e.last, LastSeen: e.lastSeen})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out
}
