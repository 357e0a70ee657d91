package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type RelayConfig struct {
	PublicAddr string
	TunnelAddr string
	Token      string
	// TLS, when set, is used for the tunnel listener.
	TLS *tls.Config
}

// Relay runs on a public host: devices connect to PublicAddr and each
// connection is forwarded as a stream over the yamux session the gateway
// opened on TunnelAddr.
type Relay struct {
	mu      sync.Mutex
	config  RelayConfig
	logger  zerolog.Logger
	session *yamux.Session
	tln     net.Listener
	pln     net.Listener
}

func NewRelay(config RelayConfig) *Relay {
	return &Relay{config: config, logger: log.With().Str("module", "tunnel-relay").Logger()}
}

func (r *Relay) Listen() error {
	var tln net.Listener
	var err error
	if r.config.TLS != nil {
		r.logger.Info().Msg("starting tls tunnel listener")
		tln, err = tls.Listen("tcp", r.config.TunnelAddr, r.config.TLS)
	} else {
		r.logger.Info().Msg("starting non-tls tunnel listener")
		tln, err = net.Listen("tcp", r.config.TunnelAddr)
	}
	if err != nil {
		return fmt.Errorf("tunnel listener: %w", err)
	}
	pln, err := net.Listen("tcp", r.config.PublicAddr)
	if err != nil {
		tln.Close()
		return fmt.Errorf("public listener: %w", err)
	}
	r.mu.Lock()
	r.tln, r.pln = tln, pln
	r.mu.Unlock()
	r.logger.Info().Msgf("using public addr %s and tunnel addr %s", pln.Addr(), tln.Addr())
	return nil
}

func (r *Relay) TunnelAddr() net.Addr { return r.tln.Addr() }
func (r *Relay) PublicAddr() net.Addr { return r.pln.Addr() }

// Serve accepts tunnels and device connections until ctx is done.
func (r *Relay) Serve(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- r.acceptTunnels() }()
	go func() { errc <- r.acceptPublic() }()
	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	r.tln.Close()
	r.pln.Close()
	r.mu.Lock()
	if r.session != nil {
		r.session.Close()
	}
	r.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Relay) acceptTunnels() error {
	for {
		yconn, err := r.tln.Accept()
		if err != nil {
			return err
		}
		go r.handshake(yconn)
	}
}

func (r *Relay) handshake(yconn net.Conn) {
	r.logger.Info().Msgf("tunnel connection from %s", yconn.RemoteAddr())
	_ = yconn.SetDeadline(time.Now().Add(10 * time.Second))
	token, err := readLine(yconn)
	if err != nil {
		r.logger.Err(err).Msg("reading tunnel token")
		yconn.Close()
		return
	}
	if !checkToken(token, r.config.Token) {
		r.logger.Warn().Msgf("tunnel from %s rejected", yconn.RemoteAddr())
		_, _ = yconn.Write([]byte{authDenied})
		yconn.Close()
		return
	}
	if _, err := yconn.Write([]byte{authOK}); err != nil {
		yconn.Close()
		return
	}
	_ = yconn.SetDeadline(time.Time{})
	session, err := yamux.Server(yconn, nil)
	if err != nil {
		r.logger.Err(err).Msg("error trying to create yamux server")
		yconn.Close()
		return
	}
	r.mu.Lock()
	old := r.session
	r.session = session
	r.mu.Unlock()
	if old != nil {
		r.logger.Info().Msg("replacing previous tunnel session")
		old.Close()
	}
	r.logger.Info().Msgf("established tunnel session with %s", yconn.RemoteAddr())
}

func (r *Relay) acceptPublic() error {
	for {
		conn, err := r.pln.Accept()
		if err != nil {
			return err
		}
		go r.forward(conn)
	}
}

func (r *Relay) current() *yamux.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.IsClosed() {
		return nil
	}
	return r.session
}

func (r *Relay) forward(conn net.Conn) {
	defer conn.Close()
	session := r.current()
	if session == nil {
		r.logger.Warn().Msgf("no tunnel session, dropping %s", conn.RemoteAddr())
		return
	}
	tstream, err := session.OpenStream()
	if err != nil {
		r.logger.Err(err).Msg("error trying to open stream")
		return
	}
	defer tstream.Close()
	r.logger.Debug().Uint32("stream", tstream.StreamID()).Msgf("new connection from %s", conn.RemoteAddr())

	c := make(chan error, 1)
	go func() {
		_, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr())
		if err == nil {
			_, err = io.Copy(tstream, conn)
		}
		tstream.Close()
		c <- err
	}()
	if _, err := io.Copy(conn, tstream); err != nil {
		r.logger.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("copy from stream")
	}
	conn.Close()
	if err := <-c; err != nil {
		r.logger.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("copy to stream")
	}
}
