package tunnel

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	authOK     byte = '+'
	authDenied byte = '-'
	maxLine         = 256
)

var ErrRejected = errors.New("tunnel rejected")

// ConnServer takes ownership of a device stream.
type ConnServer interface {
	ServeConn(ctx context.Context, c net.Conn, raddr string)
}

type ClientConfig struct {
	Addr  string
	Token string
	// Dial timeout for the relay connection.
	DialTimeout time.Duration
	// Short and Long are the waits before redialling after a session that
	// lasted less or more than ten seconds.
	Short time.Duration
	Long  time.Duration
}

// Client dials a relay and serves the device streams it opens. Each stream
// starts with one line carrying the device's public address.
type Client struct {
	config ClientConfig
	srv    ConnServer
	logger zerolog.Logger
}

func NewClient(srv ConnServer, config ClientConfig) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.Short <= 0 {
		config.Short = 5 * time.Second
	}
	if config.Long <= 0 {
		config.Long = time.Second
	}
	return &Client{config: config, srv: srv, logger: log.With().Str("module", "tunnel").Logger()}
}

// Run keeps a session to the relay open until ctx is done.
func (t *Client) Run(ctx context.Context) {
	for {
		t0 := time.Now()
		err := t.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Err(err).Msg("tunnel session ended")
		}
		wait := t.config.Short
		if time.Since(t0) > 10*time.Second {
			wait = t.config.Long
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (t *Client) runOnce(ctx context.Context) error {
	t.logger.Info().Msgf("dialling tunnel %s", t.config.Addr)
	d := net.Dialer{Timeout: t.config.DialTimeout}
	yconn, err := d.DialContext(ctx, "tcp", t.config.Addr)
	if err != nil {
		return fmt.Errorf("unable to dial tunnel relay: %w", err)
	}
	if err := authenticate(yconn, t.config.Token, t.config.DialTimeout); err != nil {
		yconn.Close()
		return err
	}
	t.logger.Info().Msg("yamux tunnel accepted")

	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-stop:
		}
	}()
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go t.serveStream(ctx, stream)
	}
}

func (t *Client) serveStream(ctx context.Context, stream net.Conn) {
	_ = stream.SetReadDeadline(time.Now().Add(t.config.DialTimeout))
	raddr, err := readLine(stream)
	if err != nil {
		t.logger.Err(err).Msg("reading stream header")
		stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	t.srv.ServeConn(ctx, stream, raddr)
}

func authenticate(c net.Conn, token string, timeout time.Duration) error {
	_ = c.SetDeadline(time.Now().Add(timeout))
	defer c.SetDeadline(time.Time{})
	if _, err := io.WriteString(c, token+"\n"); err != nil {
		return fmt.Errorf("unable to authenticate with tunnel relay: %w", err)
	}
	status := []byte{0}
	if _, err := io.ReadFull(c, status); err != nil {
		return fmt.Errorf("unable to authenticate with tunnel relay: %w", err)
	}
	if status[0] != authOK {
		return ErrRejected
	}
	return nil
}

func checkToken(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// readLine reads up to '\n' one byte at a time so nothing past the line is
// consumed from r.
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := []byte{0}
	for sb.Len() < maxLine {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		sb.WriteByte(b[0])
	}
	return "", errors.New("header line too long")
}
