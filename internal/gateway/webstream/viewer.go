package webstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/gpsgateway/internal/util"
)

const reasonTooSlow = "viewer too slow"

// Viewer is one websocket session. Broadcasts land in a bounded queue that
// the session's write loop drains; a viewer that lets the queue fill up is
// disconnected.
type Viewer struct {
	seq       uint64
	id        string
	raddr     string
	since     time.Time
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	code      websocket.StatusCode
	reason    string
	pushed    uint64
}

// ViewerInfo is a point-in-time view of a session for monitoring.
type ViewerInfo struct {
	Seq        uint64    `json:"seq"`
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
	Pushed     uint64    `json:"pushed"`
	Queued     int       `json:"queued"`
}

func newViewer(seq uint64, raddr string, queueSize int) *Viewer {
	return &Viewer{
		seq:   seq,
		id:    util.GenUUID(),
		raddr: raddr,
		since: time.Now(),
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

// Push never blocks. It reports true once the viewer is gone, including
// when this push overflowed its queue.
func (v *Viewer) Push(d []byte) bool {
	select {
	case <-v.done:
		return true
	default:
	}
	select {
	case v.queue <- d:
		atomic.AddUint64(&v.pushed, 1)
		return false
	default:
		v.close(websocket.StatusPolicyViolation, reasonTooSlow)
		return true
	}
}

func (v *Viewer) close(code websocket.StatusCode, reason string) bool {
	closed := false
	v.closeOnce.Do(func() {
		v.code, v.reason = code, reason
		close(v.done)
		closed = true
	})
	return closed
}

func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

func (v *Viewer) ID() string {
	return v.id
}

func (v *Viewer) Info() ViewerInfo {
	return ViewerInfo{Seq: v.seq, ID: v.id, RemoteAddr: v.raddr, Since: v.since, Pushed: atomic.LoadUint64(&v.pushed), Queued: len(v.queue)}
}

func (v *Viewer) MarshalObject(e *log.Entry) {
	e.Str("viewer", v.id).Str("remote_addr", v.raddr)
}
