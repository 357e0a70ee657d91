package conn

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

const defaultWriteTimeout = 5 * time.Second

// Conn wraps an accepted device connection. Close is idempotent and a failed
// write closes the connection so the reader unblocks.
type Conn struct {
	cid          uint64
	tuple        []string
	raddr        string
	created      time.Time
	r            *bufio.Reader
	wmu          sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closed       uint32
	byteIn       uint64
	byteOut      uint64
	net.Conn
}

// NewConn wraps c. raddr overrides the socket's remote address, used for
// tunnelled streams whose peer address arrives in-band.
func NewConn(c net.Conn, cid uint64, raddr string) *Conn {
	if raddr == "" {
		raddr = c.RemoteAddr().String()
	}
	sourceip, sourceport, _ := net.SplitHostPort(raddr)
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())
	return &Conn{
		cid:          cid,
		tuple:        []string{sourceip, sourceport, targetip, targetport},
		raddr:        raddr,
		created:      time.Now(),
		r:            bufio.NewReader(c),
		writeTimeout: defaultWriteTimeout,
		Conn:         c,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(&c.byteIn, uint64(n))
	return n, err
}

// Write sends d under a deadline. Writers are serialised so concurrent
// commands never interleave on the wire.
func (c *Conn) Write(d []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.Conn.Write(d)
	atomic.AddUint64(&c.byteOut, uint64(n))
	if err != nil {
		c.Close()
	}
	return n, err
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreUint32(&c.closed, 1)
		err = c.Conn.Close()
	})
	return err
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) RemoteAddr() string {
	return c.raddr
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) Stat() (byteIn uint64, byteOut uint64) {
	return atomic.LoadUint64(&c.byteIn), atomic.LoadUint64(&c.byteOut)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", c.tuple).Uint64("cid", c.cid)
}
