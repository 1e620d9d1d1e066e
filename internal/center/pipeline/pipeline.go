// Package pipeline wires the Center stages together:
//
//	Submit -> admission -> [shard: gate -> detect -> track] -> egress
//
// Assets are hashed onto shards. Each shard runs one goroutine per stage,
// joined by bounded channels, so frames of one asset stay in order while
// different shards proceed in parallel. A slow detector fills its shard's
// queues and Submit then blocks, which is the backpressure path; bursts are
// shed earlier by the admission controller. A single egress goroutine runs
// alerting, translation and the sinks so output order matches production
// order.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/center/admission"
	"github.com/banshee-data/sentinel/internal/center/alerts"
	"github.com/banshee-data/sentinel/internal/center/detect"
	"github.com/banshee-data/sentinel/internal/center/gateway"
	"github.com/banshee-data/sentinel/internal/center/sinks"
	"github.com/banshee-data/sentinel/internal/center/tracks"
	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/motion"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("pipeline: closed")

// Detector is the inference stage. *detect.Adapter implements it.
type Detector interface {
	Detect(ctx context.Context, f *model.Frame) detect.Result
}

// Config sizes the pipeline.
type Config struct {
	Shards        int
	QueueDepth    int
	SweepInterval time.Duration // how often silent tracks are retired
}

// ConfigFromTuning fills Config from the tuning file.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		Shards:        t.GetPipelineShards(),
		QueueDepth:    t.GetQueueDepth(),
		SweepInterval: t.GetLostAfter(),
	}
}

// Stages groups the components the pipeline drives.
type Stages struct {
	Admission *admission.Controller
	Gate      *motion.Gate
	Detector  Detector
	Tracker   *tracks.Tracker
	Alerts    *alerts.Publisher
	Gateway   *gateway.Gateway
	Sink      sinks.Sink
}

type detected struct {
	frame *model.Frame
	res   detect.Result
}

type egressItem struct {
	step tracks.Step
}

type shard struct {
	gateIn   chan *model.Frame
	detectIn chan *model.Frame
	trackIn  chan detected
}

// Pipeline is the running Center pipeline.
type Pipeline struct {
	cfg    Config
	st     Stages
	clock  timeutil.Clock
	logger *zap.Logger
	m      *monitoring.Metrics

	shards []*shard
	egress chan egressItem

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex // guards closed against concurrent sends
	closed    bool
	stageWG   sync.WaitGroup
	egressWG  sync.WaitGroup
	sweepDone chan struct{}
	sweepWG   sync.WaitGroup

	counters counters
}

type counters struct {
	submitted   atomic.Uint64
	admitted    atomic.Uint64
	shed        atomic.Uint64
	significant atomic.Uint64
	still       atomic.Uint64
	detectOK    atomic.Uint64
	detectFail  atomic.Uint64
	tracked     atomic.Uint64
	alerts      atomic.Uint64
	records     atomic.Uint64
	sinkErrors  atomic.Uint64
	sweeps      atomic.Uint64
}

// Option customises a Pipeline.
type Option func(*Pipeline)

func WithClock(c timeutil.Clock) Option        { return func(p *Pipeline) { p.clock = c } }
func WithLogger(l *zap.Logger) Option          { return func(p *Pipeline) { p.logger = l } }
func WithMetrics(m *monitoring.Metrics) Option { return func(p *Pipeline) { p.m = m } }

// New builds a pipeline. Call Start before Submit.
func New(cfg Config, st Stages, opts ...Option) *Pipeline {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	p := &Pipeline{
		cfg:       cfg,
		st:        st,
		clock:     timeutil.RealClock{},
		egress:    make(chan egressItem, cfg.QueueDepth*cfg.Shards),
		sweepDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = monitoring.OrNop(p.logger)
	p.m = monitoring.OrNew(p.m)
	for i := 0; i < cfg.Shards; i++ {
		p.shards = append(p.shards, &shard{
			gateIn:   make(chan *model.Frame, cfg.QueueDepth),
			detectIn: make(chan *model.Frame, cfg.QueueDepth),
			trackIn:  make(chan detected, cfg.QueueDepth),
		})
	}
	return p
}

// Start launches the stage goroutines. Cancelling ctx stops every stage
// immediately and discards queued frames; Close drains instead.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()
	for _, sh := range p.shards {
		p.stageWG.Add(3)
		go p.runGate(sh)
		go p.runDetect(sh)
		go p.runTrack(sh)
	}
	p.egressWG.Add(1)
	go p.runEgress()
	if p.cfg.SweepInterval > 0 {
		p.sweepWG.Add(1)
		go p.runSweep()
	}
	p.logger.Info("pipeline started",
		zap.Int("shards", p.cfg.Shards),
		zap.Int("queue_depth", p.cfg.QueueDepth),
	)
}

// Submit offers a frame. It returns admission.ErrDropped when the bucket is
// empty, and otherwise blocks until the frame is queued on its shard, ctx
// is done, or the pipeline stops.
func (p *Pipeline) Submit(ctx context.Context, f *model.Frame) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.ctx == nil {
		return ErrClosed
	}
	p.counters.submitted.Add(1)
	if err := p.st.Admission.Admit(); err != nil {
		p.counters.shed.Add(1)
		return err
	}

	sh := p.shards[p.shardFor(f.AssetID)]
	select {
	case sh.gateIn <- f:
		p.counters.admitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Close stops intake, lets queued frames drain through every stage and
// egress, then closes the sink.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.ctx == nil {
		return p.st.Sink.Close()
	}

	close(p.sweepDone)
	p.sweepWG.Wait()
	for _, sh := range p.shards {
		close(sh.gateIn)
	}
	p.stageWG.Wait()
	close(p.egress)
	p.egressWG.Wait()
	p.cancel()
	p.logger.Info("pipeline drained")
	return p.st.Sink.Close()
}

func (p *Pipeline) shardFor(assetID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(assetID))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// runGate drops frames without motion. Stage goroutines exit when their
// input closes (drain) or the run context ends (discard), closing their
// output so the next stage follows.
func (p *Pipeline) runGate(sh *shard) {
	defer p.stageWG.Done()
	defer close(sh.detectIn)
	for {
		select {
		case <-p.ctx.Done():
			return
		case f, ok := <-sh.gateIn:
			if !ok {
				return
			}
			dec := p.st.Gate.Evaluate(f)
			if !dec.Significant {
				p.counters.still.Add(1)
				p.m.MotionFrames.WithLabelValues("insignificant").Inc()
				continue
			}
			p.counters.significant.Add(1)
			p.m.MotionFrames.WithLabelValues("significant").Inc()
			select {
			case sh.detectIn <- f:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runDetect(sh *shard) {
	defer p.stageWG.Done()
	defer close(sh.trackIn)
	for {
		select {
		case <-p.ctx.Done():
			return
		case f, ok := <-sh.detectIn:
			if !ok {
				return
			}
			res := p.st.Detector.Detect(p.ctx, f)
			if res.Outcome == detect.OK {
				p.counters.detectOK.Add(1)
			} else {
				p.counters.detectFail.Add(1)
			}
			select {
			case sh.trackIn <- detected{frame: f, res: res}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// runTrack folds detections into the tracker. Failed detections are folded
// as empty frames so track ageing continues while the detector is down.
func (p *Pipeline) runTrack(sh *shard) {
	defer p.stageWG.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case d, ok := <-sh.trackIn:
			if !ok {
				return
			}
			step := p.st.Tracker.Step(d.frame.AssetID, d.frame.CapturedAt, d.res.Detections)
			p.counters.tracked.Add(1)
			p.m.FramesProcessed.WithLabelValues(d.frame.AssetID).Inc()
			if len(step.Transitions) == 0 && len(step.Updated) == 0 {
				continue
			}
			select {
			case p.egress <- egressItem{step: step}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runSweep() {
	defer p.sweepWG.Done()
	ticker := p.clock.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepDone:
			return
		case <-p.ctx.Done():
			return
		case now := <-ticker.C():
			trs := p.st.Tracker.Sweep(now)
			p.counters.sweeps.Add(1)
			p.publishQueueDepth()
			if len(trs) == 0 {
				continue
			}
			select {
			case p.egress <- egressItem{step: tracks.Step{Transitions: trs}}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runEgress() {
	defer p.egressWG.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case it, ok := <-p.egress:
			if !ok {
				return
			}
			p.emit(it.step)
		}
	}
}

// emit runs alerting, translation and the sinks for one tracker step.
// Records are produced in the order: updated tracks, lost tracks, alerts.
func (p *Pipeline) emit(step tracks.Step) {
	ctx := p.ctx
	var b sinks.Batch

	for _, tr := range step.Updated {
		b.Records = p.translateTrack(b.Records, tr)
	}
	for _, tr := range step.Transitions {
		if tr.To == model.TrackLost {
			b.Retired = append(b.Retired, tr.Track)
			b.Records = p.translateTrack(b.Records, tr.Track)
		}
	}

	b.Alerts = p.st.Alerts.Process(ctx, step.Transitions)
	p.counters.alerts.Add(uint64(len(b.Alerts)))
	for _, ev := range b.Alerts {
		for _, f := range gateway.Formats {
			rec, err := p.st.Gateway.TranslateAlert(ev, f)
			if err != nil {
				p.logger.Error("translate alert failed", zap.String("track_id", ev.TrackID), zap.Error(err))
				continue
			}
			b.Records = append(b.Records, rec)
		}
	}

	p.counters.records.Add(uint64(len(b.Records)))
	if err := p.st.Sink.Write(ctx, b); err != nil {
		p.counters.sinkErrors.Add(1)
	}
}

func (p *Pipeline) translateTrack(out []gateway.Record, tr model.Track) []gateway.Record {
	for _, f := range gateway.Formats {
		rec, err := p.st.Gateway.TranslateTrack(tr, f)
		if err != nil {
			p.logger.Error("translate track failed", zap.String("track_id", tr.ID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (p *Pipeline) publishQueueDepth() {
	var gate, det, track int
	for _, sh := range p.shards {
		gate += len(sh.gateIn)
		det += len(sh.detectIn)
		track += len(sh.trackIn)
	}
	p.m.QueueDepth.WithLabelValues("gate").Set(float64(gate))
	p.m.QueueDepth.WithLabelValues("detect").Set(float64(det))
	p.m.QueueDepth.WithLabelValues("track").Set(float64(track))
	p.m.QueueDepth.WithLabelValues("egress").Set(float64(len(p.egress)))
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Submitted   uint64
	Admitted    uint64
	Shed        uint64
	Significant uint64
	Still       uint64
	DetectOK    uint64
	DetectFail  uint64
	Tracked     uint64
	Alerts      uint64
	Records     uint64
	SinkErrors  uint64
	Sweeps      uint64
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	c := &p.counters
	return Stats{
		Submitted:   c.submitted.Load(),
		Admitted:    c.admitted.Load(),
		Shed:        c.shed.Load(),
		Significant: c.significant.Load(),
		Still:       c.still.Load(),
		DetectOK:    c.detectOK.Load(),
		DetectFail:  c.detectFail.Load(),
		Tracked:     c.tracked.Load(),
		Alerts:      c.alerts.Load(),
		Records:     c.records.Load(),
		SinkErrors:  c.sinkErrors.Load(),
		Sweeps:      c.sweeps.Load(),
	}
}

// Snapshot renders Stats for the /debug/pipeline chart.
func (p *Pipeline) Snapshot() monitoring.Snapshot {
	s := p.Stats()
	return monitoring.Snapshot{
		Taken: p.clock.Now(),
		Stats: []monitoring.Stat{
			{Name: "submitted", Value: float64(s.Submitted)},
			{Name: "admitted", Value: float64(s.Admitted)},
			{Name: "shed", Value: float64(s.Shed)},
			{Name: "significant", Value: float64(s.Significant)},
			{Name: "still", Value: float64(s.Still)},
			{Name: "detect_ok", Value: float64(s.DetectOK)},
			{Name: "detect_fail", Value: float64(s.DetectFail)},
			{Name: "tracked", Value: float64(s.Tracked)},
			{Name: "alerts", Value: float64(s.Alerts)},
			{Name: "records", Value: float64(s.Records)},
			{Name: "sink_errors", Value: float64(s.SinkErrors)},
			{Name: "sweeps", Value: float64(s.Sweeps)},
		},
	}
}
