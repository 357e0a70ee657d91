package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"nuha.dev/gpsgateway/internal/gateway/device"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrMalformed     = errors.New("malformed envelope")
	ErrIgnored       = errors.New("unsupported envelope type")
)

const (
	KIND_COMMAND string = "command"
)

// Envelope is a viewer-to-device command.
type Envelope struct {
	Type    string `json:"type" validate:"required,eq=command"`
	IMEI    string `json:"imei" validate:"required,max=32"`
	Command string `json:"command" validate:"required"`
}

type header struct {
	Type string `json:"type"`
}

// Lookup resolves a device identity to its live connection.
type Lookup interface {
	Lookup(identity string) (device.Conn, bool)
}

type Router struct {
	devices Lookup
	vld     *validator.Validate
}

func NewRouter(devices Lookup) *Router {
	return &Router{devices: devices, vld: validator.New()}
}

// ParseEnvelope decodes msg into the closed set of envelope kinds. Unknown
// kinds yield ErrIgnored, anything unusable yields ErrMalformed.
func (r *Router) ParseEnvelope(msg []byte) (Envelope, error) {
	var env Envelope
	var h header
	if err := json.Unmarshal(msg, &h); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type != KIND_COMMAND {
		return env, fmt.Errorf("%w: %q", ErrIgnored, h.Type)
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := r.vld.Struct(&env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// Route writes payload verbatim to the connection registered for identity.
// There is no retry and no acknowledgement.
func (r *Router) Route(ctx context.Context, identity string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := r.devices.Lookup(identity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, identity)
	}
	if _, err := c.Write(payload); err != nil {
		return fmt.Errorf("writing command to %s: %w", identity, err)
	}
	return nil
}

// Handle parses msg and routes it, returning the envelope for logging.
func (r *Router) Handle(ctx context.Context, msg []byte) (Envelope, error) {
	env, err := r.ParseEnvelope(msg)
	if err != nil {
		return env, err
	}
	return env, r.Route(ctx, env.IMEI, []byte(env.Command))
}
