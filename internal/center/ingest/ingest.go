// Package ingest is the Center end of the Edge link. It answers heartbeats,
// feeds live frames into the pipeline and acknowledges replayed buffer
// records once they have been admitted and enqueued.
//
// Replayed records are deduplicated against a per-asset watermark: a Seq at
// or below the highest Seq already ingested is acknowledged again without
// being submitted, so an Edge that lost an ack simply moves on.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/center/admission"
	"github.com/banshee-data/sentinel/internal/center/pipeline"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/timeutil"
	"github.com/banshee-data/sentinel/internal/wire"
)

// Submitter is the pipeline entry point.
type Submitter interface {
	Submit(ctx context.Context, f *model.Frame) error
}

// Nack reasons sent back to the Edge.
const (
	ReasonShed      = "shed"      // admission bucket empty
	ReasonBusy      = "busy"      // pipeline queue stayed full for SubmitTimeout
	ReasonClosed    = "closed"    // pipeline shutting down
	ReasonMalformed = "malformed" // request could not be decoded
)

// Config controls ingest behaviour.
type Config struct {
	// SubmitTimeout bounds how long a handler waits on a full pipeline.
	SubmitTimeout time.Duration
	// QueueGroup, when set, lets several Center processes share the subjects.
	QueueGroup string
}

// Link is what the Center knows about one asset's connection.
type Link struct {
	AssetID       string                `json:"asset_id"`
	State         model.ConnectionState `json:"-"`
	StateName     string                `json:"state"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	Watermark     uint64                `json:"watermark"`
	LiveFrames    uint64                `json:"live_frames"`
	Replayed      uint64                `json:"replayed"`
	Duplicates    uint64                `json:"duplicates"`
}

// Server handles the three per-asset subjects.
type Server struct {
	nc     *nats.Conn
	sub    Submitter
	cfg    Config
	clock  timeutil.Clock
	logger *zap.Logger
	m      *monitoring.Metrics
	marks  Watermarks

	mu    sync.Mutex
	links map[string]*Link
	subs  []*nats.Subscription
	ctx   context.Context
}

// Option customises a Server.
type Option func(*Server)

func WithClock(c timeutil.Clock) Option        { return func(s *Server) { s.clock = c } }
func WithLogger(l *zap.Logger) Option          { return func(s *Server) { s.logger = l } }
func WithMetrics(m *monitoring.Metrics) Option { return func(s *Server) { s.m = m } }
func WithWatermarks(w Watermarks) Option       { return func(s *Server) { s.marks = w } }

// New builds a server; Start subscribes it.
func New(nc *nats.Conn, sub Submitter, cfg Config, opts ...Option) *Server {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = time.Second
	}
	s := &Server{
		nc:    nc,
		sub:   sub,
		cfg:   cfg,
		clock: timeutil.RealClock{},
		links: make(map[string]*Link),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = monitoring.OrNop(s.logger)
	s.m = monitoring.OrNew(s.m)
	if s.marks == nil {
		s.marks = newMemoryWatermarks()
	}
	return s
}

// Start restores watermarks and subscribes. Handler calls made after ctx
// is cancelled fail fast.
func (s *Server) Start(ctx context.Context) error {
	marks, err := s.marks.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx = ctx
	for asset, seq := range marks {
		s.linkLocked(asset).Watermark = seq
	}
	s.mu.Unlock()

	handlers := []struct {
		kind string
		fn   nats.MsgHandler
	}{
		{wire.KindHeartbeat, s.handleHeartbeat},
		{wire.KindFrames, s.handleFrame},
		{wire.KindReplay, s.handleReplay},
	}
	for _, h := range handlers {
		var (
			sub *nats.Subscription
			err error
		)
		if s.cfg.QueueGroup != "" {
			sub, err = s.nc.QueueSubscribe(wire.Wildcard(h.kind), s.cfg.QueueGroup, h.fn)
		} else {
			sub, err = s.nc.Subscribe(wire.Wildcard(h.kind), h.fn)
		}
		if err != nil {
			s.Stop()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	if err := s.nc.Flush(); err != nil {
		s.Stop()
		return err
	}
	s.logger.Info("ingest subscribed", zap.Int("restored_watermarks", len(marks)))
	return nil
}

// Stop unsubscribes. In-flight handlers finish on their own.
func (s *Server) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn("unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
}

// Links returns a snapshot of every known asset link, sorted by asset id.
func (s *Server) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// Link returns the snapshot for one asset.
func (s *Server) Link(assetID string) (Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[assetID]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// linkLocked must be called with mu held.
func (s *Server) linkLocked(assetID string) *Link {
	l, ok := s.links[assetID]
	if !ok {
		l = &Link{AssetID: assetID, State: model.SilentWatch, StateName: model.SilentWatch.String()}
		s.links[assetID] = l
	}
	return l
}

func (s *Server) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Server) handleHeartbeat(msg *nats.Msg) {
	asset, err := wire.AssetFromSubject(msg.Subject)
	if err != nil {
		s.logger.Warn("heartbeat on malformed subject", zap.Error(err))
		return
	}
	var hb wire.Heartbeat
	if err := wire.Unmarshal(msg.Data, &hb); err != nil {
		s.logger.Warn("malformed heartbeat", zap.String("asset", asset), zap.Error(err))
		return
	}
	now := s.clock.Now()

	s.mu.Lock()
	l := s.linkLocked(asset)
	if st, ok := model.ParseConnectionState(hb.State); ok {
		if st != l.State {
			s.logger.Info("edge link state", zap.String("asset", asset),
				zap.Stringer("from", l.State), zap.Stringer("to", st))
		}
		l.State, l.StateName = st, st.String()
	}
	l.LastHeartbeat = now
	s.mu.Unlock()

	s.respond(msg, wire.HeartbeatReply{ReceivedAt: now})
}

// handleFrame submits a live frame. Live frames are fire-and-forget, so a
// rejection is only counted.
func (s *Server) handleFrame(msg *nats.Msg) {
	asset, err := wire.AssetFromSubject(msg.Subject)
	if err != nil {
		s.logger.Warn("frame on malformed subject", zap.Error(err))
		return
	}
	f, err := wire.DecodeFrame(msg.Data)
	if err != nil || (f.AssetID != "" && f.AssetID != asset) {
		s.m.IngestFrames.WithLabelValues("live", ReasonMalformed).Inc()
		s.logger.Warn("malformed frame", zap.String("asset", asset), zap.Error(err))
		return
	}
	f.AssetID = asset

	s.mu.Lock()
	s.linkLocked(asset).LiveFrames++
	s.mu.Unlock()

	result := s.submit(f)
	s.m.IngestFrames.WithLabelValues("live", result).Inc()
	if result != "accepted" {
		s.logger.Debug("live frame rejected", zap.String("frame", f.ID()), zap.String("reason", result))
	}
}

func (s *Server) handleReplay(msg *nats.Msg) {
	asset, err := wire.AssetFromSubject(msg.Subject)
	if err != nil {
		s.logger.Warn("replay on malformed subject", zap.Error(err))
		return
	}
	var req wire.ReplayRequest
	if err := wire.Unmarshal(msg.Data, &req); err != nil {
		s.m.IngestFrames.WithLabelValues("replay", ReasonMalformed).Inc()
		s.respond(msg, wire.ReplayAck{Reason: ReasonMalformed})
		return
	}
	s.respond(msg, s.Replay(asset, req.Record))
}

// Replay ingests one buffered record for asset and returns the ack to send.
//
// A record whose payload cannot be decoded is acknowledged and skipped,
// since retrying it can never succeed.
func (s *Server) Replay(assetID string, rec model.BufferedRecord) wire.ReplayAck {
	s.mu.Lock()
	l := s.linkLocked(assetID)
	mark := l.Watermark
	s.mu.Unlock()

	if rec.Seq <= mark {
		s.mu.Lock()
		l.Duplicates++
		s.mu.Unlock()
		s.m.IngestDuplicates.WithLabelValues(assetID).Inc()
		s.logger.Debug("duplicate replay acked", zap.String("asset", assetID), zap.Uint64("seq", rec.Seq))
		return wire.ReplayAck{Seq: mark, Acked: true}
	}

	f, err := wire.DecodeFrame(rec.Payload)
	if err != nil || (f.AssetID != "" && f.AssetID != assetID) {
		s.m.IngestFrames.WithLabelValues("replay", ReasonMalformed).Inc()
		s.logger.Error("skipping undecodable replay record",
			zap.String("asset", assetID), zap.Uint64("seq", rec.Seq), zap.Error(err))
		s.advance(assetID, rec.Seq)
		return wire.ReplayAck{Seq: rec.Seq, Acked: true, Reason: ReasonMalformed}
	}
	f.AssetID = assetID
	f.Replayed = true
	if f.CapturedAt.IsZero() {
		f.CapturedAt = rec.CapturedAt
	}

	result := s.submit(f)
	s.m.IngestFrames.WithLabelValues("replay", result).Inc()
	if result != "accepted" {
		return wire.ReplayAck{Seq: mark, Reason: result}
	}
	s.advance(assetID, rec.Seq)

	s.mu.Lock()
	l.Replayed++
	s.mu.Unlock()
	return wire.ReplayAck{Seq: rec.Seq, Acked: true}
}

func (s *Server) advance(assetID string, seq uint64) {
	s.mu.Lock()
	l := s.linkLocked(assetID)
	l.Watermark = max(l.Watermark, seq)
	s.mu.Unlock()

	// The frame is already enqueued; a failed save only risks one duplicate
	// after a Center restart.
	if err := s.marks.Save(context.WithoutCancel(s.runCtx()), assetID, seq); err != nil {
		s.logger.Warn("persist ingest watermark", zap.String("asset", assetID), zap.Error(err))
	}
}

// submit returns "accepted" or a nack reason.
func (s *Server) submit(f *model.Frame) string {
	ctx, cancel := context.WithTimeout(s.runCtx(), s.cfg.SubmitTimeout)
	defer cancel()
	err := s.sub.Submit(ctx, f)
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, admission.ErrDropped):
		return ReasonShed
	case errors.Is(err, pipeline.ErrClosed), errors.Is(err, context.Canceled):
		return ReasonClosed
	default:
		return ReasonBusy
	}
}

func (s *Server) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := wire.Marshal(v)
	if err != nil {
		s.logger.Error("encode reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Debug("reply failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
