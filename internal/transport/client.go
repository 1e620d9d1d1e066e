// Package transport is the Edge side of the NATS link to the Center. A
// Client implements link.Transport for one asset.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/wire"
)

var (
	// ErrDisconnected is returned while the NATS connection is down or
	// reconnecting. Nothing is queued for later delivery.
	ErrDisconnected = errors.New("transport: disconnected")
	// ErrNotAcked is returned when no Center answered a replay request.
	ErrNotAcked = errors.New("transport: replay not acknowledged")
)

// DialConfig configures Dial.
type DialConfig struct {
	URL           string
	AssetID       string
	ReconnectWait time.Duration
}

// Client talks to the Center over one NATS connection.
type Client struct {
	nc      *nats.Conn
	assetID string
	logger  *zap.Logger
}

// Dial connects with unlimited reconnects. The connection is allowed to
// start while the Center is unreachable; the link machine sees that as
// failed heartbeats.
func Dial(cfg DialConfig, logger *zap.Logger, extra ...nats.Option) (*Client, error) {
	logger = monitoring.OrNop(logger)
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name("sentinel-edge-" + cfg.AssetID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	return NewClient(nc, cfg.AssetID, logger), nil
}

// NewClient wraps an existing connection.
func NewClient(nc *nats.Conn, assetID string, logger *zap.Logger) *Client {
	return &Client{nc: nc, assetID: assetID, logger: monitoring.OrNop(logger)}
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *nats.Conn { return c.nc }

// OnDisconnect registers fn to run whenever the connection drops. Pass
// link.Machine.SignalTransportFailure to let the machine degrade without
// waiting for the next heartbeat.
func (c *Client) OnDisconnect(fn func(error)) {
	c.nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err == nil {
			err = ErrDisconnected
		}
		c.logger.Warn("nats disconnected", zap.Error(err))
		fn(err)
	})
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.nc.Close()
		return err
	}
	return nil
}

// Heartbeat implements link.Transport.
func (c *Client) Heartbeat(ctx context.Context, hb wire.Heartbeat) error {
	var reply wire.HeartbeatReply
	return c.request(ctx, wire.KindHeartbeat, hb, &reply)
}

// SendFrame implements link.Transport.
func (c *Client) SendFrame(_ context.Context, f *model.Frame) error {
	if !c.nc.IsConnected() {
		return ErrDisconnected
	}
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(wire.Subject(wire.KindFrames, c.assetID), data); err != nil {
		return fmt.Errorf("publish frame %s: %w", f.ID(), err)
	}
	return nil
}

// SendReplay implements link.Transport.
func (c *Client) SendReplay(ctx context.Context, req wire.ReplayRequest) (wire.ReplayAck, error) {
	var ack wire.ReplayAck
	if err := c.request(ctx, wire.KindReplay, req, &ack); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			err = fmt.Errorf("%w: seq %d: %v", ErrNotAcked, req.Record.Seq, err)
		}
		return wire.ReplayAck{}, err
	}
	return ack, nil
}

func (c *Client) request(ctx context.Context, kind string, in, out any) error {
	if !c.nc.IsConnected() {
		return ErrDisconnected
	}
	data, err := wire.Marshal(in)
	if err != nil {
		return err
	}
	msg, err := c.nc.RequestWithContext(ctx, wire.Subject(kind, c.assetID), data)
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, err)
	}
	return wire.Unmarshal(msg.Data, out)
}
