// Package link owns the Edge side of one Asset–Center connection.
//
// A Machine moves between four states:
//
//	Live        --heartbeat miss / send failure-->          Degraded
//	Degraded    --heartbeat ok-->                            Live
//	Degraded    --N misses / T2 elapsed / transport down-->  SilentWatch
//	SilentWatch --heartbeat ok-->                            Resyncing
//	Resyncing   --buffer drained-->                          Live
//	Resyncing   --heartbeat miss / replay failure-->         SilentWatch
//
// While in SilentWatch (and Resyncing) frames are screened by a motion gate
// and significant ones are appended to the local buffer. Resyncing replays
// the buffer in batches from the acked watermark.
//
// All inputs (ticks, frames, transport failures, replay steps) are handled
// by the single goroutine running Run, so transitions are serialized.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/edge/buffer"
	"github.com/banshee-data/sentinel/internal/health"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/motion"
	"github.com/banshee-data/sentinel/internal/timeutil"
	"github.com/banshee-data/sentinel/internal/wire"
)

// Transport is the Edge's view of the network link.
type Transport interface {
	// Heartbeat performs one round trip; ctx carries the T1 deadline.
	Heartbeat(ctx context.Context, hb wire.Heartbeat) error
	// SendFrame publishes a frame on the live path.
	SendFrame(ctx context.Context, f *model.Frame) error
	// SendReplay offers one buffered record to the Center. A nil error with
	// Acked=false means the Center declined it for now.
	SendReplay(ctx context.Context, req wire.ReplayRequest) (wire.ReplayAck, error)
}

// ErrTransportDown is the reason attached to transitions caused by an
// explicit transport failure signal.
var ErrTransportDown = errors.New("link: transport down")

// Config holds the timing parameters of one machine.
type Config struct {
	AssetID           string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // T1
	DegradedTimeout   time.Duration // T2
	FailuresToSilent  int           // N
	ReplayBatch       int
	FrameQueue        int
}

// ConfigFromTuning fills Config from the tuning file.
func ConfigFromTuning(assetID string, t *config.TuningConfig) Config {
	return Config{
		AssetID:           assetID,
		HeartbeatInterval: t.GetHeartbeatInterval(),
		HeartbeatTimeout:  t.GetHeartbeatTimeout(),
		DegradedTimeout:   t.GetSilentWatchTimeout(),
		FailuresToSilent:  t.GetSilentWatchFailures(),
		ReplayBatch:       t.GetReplayBatchSize(),
		FrameQueue:        64,
	}
}

// Transition is reported for every state change.
type Transition struct {
	AssetID string
	From    model.ConnectionState
	To      model.ConnectionState
	At      time.Time
	Reason  string
}

// Machine is the connection state machine for one asset.
type Machine struct {
	cfg       Config
	transport Transport
	buf       *buffer.Buffer
	gate      *motion.Gate
	clock     timeutil.Clock
	logger    *zap.Logger
	m         *monitoring.Metrics
	health    health.Setter

	onTransition func(Transition)

	state    atomic.Int32
	frames   chan *model.Frame
	failures chan error
	ready    chan struct{} // closed; selectable while a replay step is due

	// Owned by the Run goroutine.
	failuresInRow int
	lastOK        time.Time
	replayPaused  bool   // set by a Center nack, cleared by the next tick
	gapCursor     uint64 // highest Seq already reported as a gap
	droppedSeen   uint64
	framesDropped atomic.Uint64
}

// Option customises a Machine.
type Option func(*Machine)

func WithClock(c timeutil.Clock) Option           { return func(m *Machine) { m.clock = c } }
func WithLogger(l *zap.Logger) Option             { return func(m *Machine) { m.logger = l } }
func WithMetrics(mt *monitoring.Metrics) Option   { return func(m *Machine) { m.m = mt } }
func WithHealth(h health.Setter) Option           { return func(m *Machine) { m.health = h } }
func WithOnTransition(fn func(Transition)) Option { return func(m *Machine) { m.onTransition = fn } }

// New builds a machine and chooses its initial state: Live, unless the
// persisted state was not Live or the buffer still holds unacked records,
// in which case it starts in SilentWatch and resyncs on the first good
// heartbeat.
func New(ctx context.Context, cfg Config, t Transport, buf *buffer.Buffer, gate *motion.Gate, opts ...Option) (*Machine, error) {
	if cfg.FailuresToSilent < 1 {
		cfg.FailuresToSilent = 1
	}
	if cfg.ReplayBatch < 1 {
		cfg.ReplayBatch = 1
	}
	if cfg.FrameQueue < 1 {
		cfg.FrameQueue = 1
	}
	m := &Machine{
		cfg:       cfg,
		transport: t,
		buf:       buf,
		gate:      gate,
		clock:     timeutil.RealClock{},
		health:    health.Nop{},
		frames:    make(chan *model.Frame, cfg.FrameQueue),
		failures:  make(chan error, 1),
		ready:     make(chan struct{}),
	}
	close(m.ready)
	for _, o := range opts {
		o(m)
	}
	m.logger = monitoring.OrNop(m.logger).With(zap.String("asset", cfg.AssetID))
	m.m = monitoring.OrNew(m.m)

	last, err := buf.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := buf.Stats(ctx)
	if err != nil {
		return nil, err
	}
	m.droppedSeen = stats.Dropped
	m.gapCursor = stats.AckedSeq

	initial := model.Live
	if last != model.Live || stats.Depth > 0 {
		initial = model.SilentWatch
	}
	m.state.Store(int32(initial))
	m.lastOK = m.clock.Now()
	m.publishState(initial)
	m.logger.Info("link initialised",
		zap.Stringer("state", initial),
		zap.Stringer("persisted", last),
		zap.Int("buffered", stats.Depth))
	return m, nil
}

// State returns the current connection state. Safe from any goroutine.
func (m *Machine) State() model.ConnectionState {
	return model.ConnectionState(m.state.Load())
}

// Observe hands a captured frame to the machine without blocking. It
// returns false when the frame queue is full and the frame was dropped.
func (m *Machine) Observe(f *model.Frame) bool {
	select {
	case m.frames <- f:
		return true
	default:
		m.framesDropped.Add(1)
		return false
	}
}

// FramesDropped reports how many frames Observe rejected.
func (m *Machine) FramesDropped() uint64 { return m.framesDropped.Load() }

// SignalTransportFailure reports an out-of-band link failure, such as a
// NATS disconnect. It never blocks; repeated signals coalesce.
func (m *Machine) SignalTransportFailure(err error) {
	if err == nil {
		err = ErrTransportDown
	}
	select {
	case m.failures <- err:
	default:
	}
}

// Run drives the machine until ctx is cancelled. The final state is
// persisted before returning.
func (m *Machine) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		var step <-chan struct{}
		if m.State() == model.Resyncing && !m.replayPaused {
			step = m.ready
		}

		select {
		case <-ctx.Done():
			m.persist(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C():
			m.tick(ctx)
		case f := <-m.frames:
			m.handleFrame(ctx, f)
		case err := <-m.failures:
			m.transportFailed(err)
		case <-step:
			m.replayStep(ctx)
		}
	}
}

// tick runs one heartbeat and applies its outcome.
func (m *Machine) tick(ctx context.Context) {
	m.replayPaused = false

	hbCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
	start := m.clock.Now()
	err := m.transport.Heartbeat(hbCtx, wire.Heartbeat{
		AssetID: m.cfg.AssetID,
		SentAt:  start,
		State:   m.State().String(),
	})
	cancel()
	if err == nil && m.clock.Since(start) > m.cfg.HeartbeatTimeout {
		err = context.DeadlineExceeded
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.heartbeatFailed(err)
		return
	}
	m.heartbeatOK()
}

func (m *Machine) heartbeatOK() {
	m.failuresInRow = 0
	m.lastOK = m.clock.Now()

	switch m.State() {
	case model.Degraded:
		m.transition(model.Live, "heartbeat recovered")
	case model.SilentWatch:
		m.transition(model.Resyncing, "heartbeat recovered")
	}
}

func (m *Machine) heartbeatFailed(err error) {
	m.failuresInRow++
	m.m.HeartbeatFailures.WithLabelValues(m.cfg.AssetID).Inc()
	m.logger.Debug("heartbeat failed", zap.Error(err), zap.Int("in_row", m.failuresInRow))

	switch m.State() {
	case model.Live:
		m.transition(model.Degraded, "heartbeat missed: "+err.Error())
	case model.Degraded:
		if m.failuresInRow >= m.cfg.FailuresToSilent {
			m.transition(model.SilentWatch, fmt.Sprintf("%d consecutive heartbeat failures", m.failuresInRow))
		} else if m.clock.Since(m.lastOK) > m.cfg.DegradedTimeout {
			m.transition(model.SilentWatch, "degraded longer than "+m.cfg.DegradedTimeout.String())
		}
	case model.Resyncing:
		m.transition(model.SilentWatch, "heartbeat lost during resync")
	}
}

// transportFailed applies an explicit failure signal. Live only degrades;
// the signal never skips straight to SilentWatch from Live.
func (m *Machine) transportFailed(err error) {
	switch m.State() {
	case model.Live:
		m.transition(model.Degraded, "transport failure: "+err.Error())
	case model.Degraded, model.Resyncing:
		m.transition(model.SilentWatch, "transport failure: "+err.Error())
	}
}

func (m *Machine) handleFrame(ctx context.Context, f *model.Frame) {
	// The gate sees every frame so its reference stays current.
	decision := m.gate.Evaluate(f)

	switch m.State() {
	case model.Live, model.Degraded:
		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
		err := m.transport.SendFrame(sendCtx, f)
		cancel()
		if err == nil || ctx.Err() != nil {
			return
		}
		m.transportFailed(err)
		if m.State() == model.SilentWatch {
			m.bufferIfSignificant(ctx, f, decision)
		}
	case model.SilentWatch, model.Resyncing:
		// Resync appends new events behind the replay tail so per-asset
		// order is kept.
		m.bufferIfSignificant(ctx, f, decision)
	}
}

func (m *Machine) bufferIfSignificant(ctx context.Context, f *model.Frame, d motion.Decision) {
	if !d.Significant {
		return
	}
	payload, err := wire.EncodeFrame(f)
	if err != nil {
		m.logger.Error("encode frame for buffer", zap.Error(err))
		return
	}
	seq, err := m.buf.Append(ctx, model.BufferedRecord{
		CapturedAt:   f.CapturedAt,
		Payload:      payload,
		Significance: d.Score,
	})
	if err != nil {
		m.logger.Error("buffer append failed", zap.Error(err))
		return
	}
	m.logger.Debug("buffered event", zap.Uint64("seq", seq), zap.Float64("score", d.Score))
	m.checkExhaustion(ctx)
}

// checkExhaustion flags the buffer unhealthy once it has evicted records
// that were never delivered.
func (m *Machine) checkExhaustion(ctx context.Context) {
	s, err := m.buf.Stats(ctx)
	if err != nil {
		return
	}
	if s.Dropped > m.droppedSeen {
		m.logger.Warn("buffer overflow, oldest events dropped",
			zap.Uint64("dropped", s.Dropped-m.droppedSeen), zap.Uint64("total_dropped", s.Dropped))
		m.droppedSeen = s.Dropped
		m.health.Set(health.ServiceBuffer, false)
	}
}

// replayStep sends up to ReplayBatch records. It ends in Live once nothing
// is left, in SilentWatch if the link fails, and stays in Resyncing after a
// full batch or a Center nack.
func (m *Machine) replayStep(ctx context.Context) {
	acked, err := m.buf.AckedSeq(ctx)
	if err != nil {
		m.logger.Error("read acked watermark", zap.Error(err))
		m.replayPaused = true
		return
	}

	sent := 0
	for rec, err := range m.buf.Replay(ctx, acked) {
		if err != nil {
			m.logger.Error("buffer replay", zap.Error(err))
			m.replayPaused = true
			return
		}
		if gapEnd := rec.Seq - 1; gapEnd > m.gapCursor && gapEnd > acked {
			lost := gapEnd - max(acked, m.gapCursor)
			m.m.ReplayGapRecords.WithLabelValues(m.cfg.AssetID).Add(float64(lost))
			m.logger.Warn("replay gap: records evicted before delivery",
				zap.Uint64("from_seq", max(acked, m.gapCursor)+1), zap.Uint64("to_seq", gapEnd))
			m.gapCursor = gapEnd
		}

		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
		ack, err := m.transport.SendReplay(sendCtx, wire.ReplayRequest{AssetID: m.cfg.AssetID, Record: rec})
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.transition(model.SilentWatch, "replay send failed: "+err.Error())
			return
		}
		if !ack.Acked {
			m.logger.Debug("replay nacked by center", zap.Uint64("seq", rec.Seq), zap.String("reason", ack.Reason))
			m.replayPaused = true
			return
		}
		if err := m.buf.Ack(ctx, rec.Seq); err != nil {
			m.logger.Error("buffer ack", zap.Uint64("seq", rec.Seq), zap.Error(err))
			m.replayPaused = true
			return
		}
		m.gapCursor = max(m.gapCursor, rec.Seq)
		m.m.ReplayedRecords.WithLabelValues(m.cfg.AssetID).Inc()

		sent++
		if sent >= m.cfg.ReplayBatch {
			return
		}
	}

	// Nothing left past the watermark.
	m.transition(model.Live, "buffer drained")
}

func (m *Machine) transition(to model.ConnectionState, reason string) {
	from := m.State()
	if from == to {
		return
	}
	m.state.Store(int32(to))
	if to == model.SilentWatch {
		m.replayPaused = false
	}

	m.m.LinkTransitions.WithLabelValues(m.cfg.AssetID, from.String(), to.String()).Inc()
	m.publishState(to)
	m.logger.Info("link transition",
		zap.Stringer("from", from), zap.Stringer("to", to), zap.String("reason", reason))

	m.persist(context.Background())
	if m.onTransition != nil {
		m.onTransition(Transition{AssetID: m.cfg.AssetID, From: from, To: to, At: m.clock.Now(), Reason: reason})
	}
}

func (m *Machine) publishState(s model.ConnectionState) {
	m.m.LinkState.WithLabelValues(m.cfg.AssetID).Set(float64(s))
	m.health.Set(health.ServiceLink, s != model.SilentWatch)
	if s == model.Live {
		m.health.Set(health.ServiceBuffer, true)
	}
}

func (m *Machine) persist(ctx context.Context) {
	if err := m.buf.SaveState(ctx, m.State()); err != nil {
		m.logger.Warn("persist link state", zap.Error(err))
	}
}
