package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sentinel/internal/center/admission"
	"github.com/banshee-data/sentinel/internal/center/alerts"
	"github.com/banshee-data/sentinel/internal/center/detect"
	"github.com/banshee-data/sentinel/internal/center/gateway"
	"github.com/banshee-data/sentinel/internal/center/sinks"
	"github.com/banshee-data/sentinel/internal/center/tracks"
	"github.com/banshee-data/sentinel/internal/health"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/motion"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type assetMap map[string]model.Asset

func (m assetMap) Asset(id string) (model.Asset, bool) {
	a, ok := m[id]
	return a, ok
}

var testAssets = assetMap{
	"CAM_01": {ID: "CAM_01", Latitude: -33.86, Longitude: 151.21, Heading: 90, FOV: 60},
}

// captureSink keeps every batch it is given.
type captureSink struct {
	mu      sync.Mutex
	batches []sinks.Batch
	closed  bool
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ context.Context, b sinks.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) collect() (records []gateway.Record, evs []model.AlertEvent, retired []model.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		records = append(records, b.Records...)
		evs = append(evs, b.Alerts...)
		retired = append(retired, b.Retired...)
	}
	return records, evs, retired
}

// scriptedBackend plays its steps in order and then repeats the last one.
type scriptedBackend struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) ([]byte, error)
	calls int
}

func (b *scriptedBackend) Infer(ctx context.Context, _ *model.Frame) ([]byte, error) {
	b.mu.Lock()
	i := min(b.calls, len(b.steps)-1)
	b.calls++
	step := b.steps[i]
	b.mu.Unlock()
	return step(ctx)
}

func hang(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func person(context.Context) ([]byte, error) {
	return []byte(`{"detections":[{"box":[0,0,2,2],"label":"person","confidence":0.9}]}`), nil
}

// stubDetector answers every frame immediately.
type stubDetector struct {
	calls atomic.Int32
	dets  []model.Detection
}

func (d *stubDetector) Detect(context.Context, *model.Frame) detect.Result {
	d.calls.Add(1)
	return detect.Result{Outcome: detect.OK, Detections: d.dets}
}

type healthLog struct {
	mu      sync.Mutex
	serving []bool
}

func (h *healthLog) Set(service string, serving bool) {
	if service != health.ServiceDetector {
		return
	}
	h.mu.Lock()
	h.serving = append(h.serving, serving)
	h.mu.Unlock()
}

// frame returns a 4x4 frame whose luma alternates between dark and bright,
// so every frame passes the motion gate.
func frame(i int) *model.Frame {
	luma := make([]byte, 16)
	if i%2 == 1 {
		for j := range luma {
			luma[j] = 200
		}
	}
	return &model.Frame{
		AssetID:    "CAM_01",
		Counter:    uint64(i),
		CapturedAt: t0.Add(time.Duration(i) * 100 * time.Millisecond),
		Width:      4,
		Height:     4,
		Luma:       luma,
	}
}

func gateConfig() motion.Config {
	return motion.Config{Threshold: 0.1, BlockSize: 2, LumaDelta: 10}
}

func trackerConfig(hits int) tracks.Config {
	cfg := tracks.DefaultConfig()
	cfg.MinScore = 0.3
	cfg.HitsToConfirm = hits
	cfg.LostAfter = time.Second
	return cfg
}

type fixture struct {
	p    *Pipeline
	sink *captureSink
	m    *monitoring.Metrics
}

func newFixture(t *testing.T, det Detector, cfg Config, trk tracks.Config, opts ...Option) fixture {
	t.Helper()
	return buildFixture(t, timeutil.RealClock{}, det, cfg, trk, opts...)
}

// newClockedFixture drives the sweep ticker and the tracker from one clock.
func newClockedFixture(t *testing.T, clock *timeutil.MockClock, det Detector, cfg Config, trk tracks.Config) fixture {
	t.Helper()
	return buildFixture(t, clock, det, cfg, trk, WithClock(clock))
}

func buildFixture(t *testing.T, clock timeutil.Clock, det Detector, cfg Config, trk tracks.Config, opts ...Option) fixture {
	t.Helper()
	m := monitoring.NewMetrics()
	sink := &captureSink{}
	st := Stages{
		Admission: admission.New(0, 1000, admission.WithClock(timeutil.NewMockClock(t0))),
		Gate:      motion.NewGate(gateConfig()),
		Detector:  det,
		Tracker:   tracks.NewTracker(trk, tracks.WithMetrics(m), tracks.WithClock(clock)),
		Alerts:    alerts.NewPublisher(alerts.Config{}, alerts.NewMemoryDeduper(time.Minute, nil), alerts.WithMetrics(m)),
		Gateway:   gateway.New(gateway.Config{}, testAssets, gateway.WithMetrics(m)),
		Sink:      sink,
	}
	p := New(cfg, st, append([]Option{WithMetrics(m)}, opts...)...)
	p.Start(context.Background())
	return fixture{p: p, sink: sink, m: m}
}

func TestPipelineRecoversFromDetectorTimeouts(t *testing.T) {
	backend := &scriptedBackend{steps: []func(context.Context) ([]byte, error){
		hang, hang, hang, hang, hang, person,
	}}
	h := &healthLog{}
	m := monitoring.NewMetrics()
	adapter := detect.NewAdapter(backend,
		detect.Config{Timeout: 10 * time.Millisecond, MinConfidence: 0.5, UnhealthyAfter: 5},
		detect.WithHealth(h), detect.WithMetrics(m))

	fx := newFixture(t, adapter, Config{Shards: 2, QueueDepth: 4}, trackerConfig(3))
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		require.NoError(t, fx.p.Submit(ctx, frame(i)))
	}
	require.NoError(t, fx.p.Close())

	st := fx.p.Stats()
	assert.Equal(t, uint64(10), st.Admitted)
	assert.Equal(t, uint64(10), st.Significant)
	assert.Equal(t, uint64(5), st.DetectFail)
	assert.Equal(t, uint64(5), st.DetectOK)
	assert.Equal(t, uint64(10), st.Tracked, "failed detections still reach the tracker")

	assert.True(t, adapter.Healthy())
	assert.Equal(t, []bool{false, true}, h.serving)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DetectorRequests.WithLabelValues("timeout")))

	records, evs, retired := fx.sink.collect()
	require.Len(t, evs, 1)
	assert.Equal(t, model.AlertTrackConfirmed, evs[0].Kind)
	assert.Equal(t, "person", evs[0].Label)
	assert.Empty(t, retired)

	// Frames 8, 9 and 10 each update the confirmed track in both formats,
	// plus the confirmation alert in both formats.
	require.Len(t, records, 8)
	var trackRecs, alertRecs int
	for i, r := range records {
		if i > 0 {
			assert.Greater(t, r.Seq, records[i-1].Seq, "records leave in production order")
		}
		assert.Equal(t, gateway.CorrelationID(evs[0].TrackID), r.CorrelationID)
		if r.Kind == "track" {
			trackRecs++
		} else {
			alertRecs++
		}
	}
	assert.Equal(t, 6, trackRecs)
	assert.Equal(t, 2, alertRecs)
	assert.True(t, fx.sink.closed)
	assert.Equal(t, 10.0, testutil.ToFloat64(fx.m.FramesProcessed.WithLabelValues("CAM_01")))
}

func TestSubmitShedsWhenBucketEmpty(t *testing.T) {
	det := &stubDetector{}
	m := monitoring.NewMetrics()
	sink := &captureSink{}
	p := New(Config{Shards: 1, QueueDepth: 8}, Stages{
		Admission: admission.New(0, 2, admission.WithClock(timeutil.NewMockClock(t0)), admission.WithMetrics(m)),
		Gate:      motion.NewGate(gateConfig()),
		Detector:  det,
		Tracker:   tracks.NewTracker(trackerConfig(3)),
		Alerts:    alerts.NewPublisher(alerts.Config{}, alerts.NewMemoryDeduper(time.Minute, nil)),
		Gateway:   gateway.New(gateway.Config{}, testAssets),
		Sink:      sink,
	}, WithMetrics(m))
	p.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, frame(1)))
	require.NoError(t, p.Submit(ctx, frame(2)))
	err := p.Submit(ctx, frame(3))
	assert.ErrorIs(t, err, admission.ErrDropped)
	require.NoError(t, p.Close())

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Submitted)
	assert.Equal(t, uint64(2), st.Admitted)
	assert.Equal(t, uint64(1), st.Shed)
	assert.Equal(t, int32(2), det.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdmissionDropped))
}

func TestStillFramesSkipDetector(t *testing.T) {
	det := &stubDetector{}
	fx := newFixture(t, det, Config{Shards: 1, QueueDepth: 8}, trackerConfig(3))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f := frame(0)
		f.Counter = uint64(i)
		require.NoError(t, fx.p.Submit(ctx, f))
	}
	require.NoError(t, fx.p.Close())

	st := fx.p.Stats()
	assert.Equal(t, uint64(1), st.Significant, "only the baseline frame moves")
	assert.Equal(t, uint64(4), st.Still)
	assert.Equal(t, int32(1), det.calls.Load())
	assert.Equal(t, 4.0, testutil.ToFloat64(fx.m.MotionFrames.WithLabelValues("insignificant")))
}

func TestSubmitAfterClose(t *testing.T) {
	fx := newFixture(t, &stubDetector{}, Config{}, trackerConfig(3))
	require.NoError(t, fx.p.Close())
	assert.ErrorIs(t, fx.p.Submit(context.Background(), frame(1)), ErrClosed)
	assert.NoError(t, fx.p.Close(), "second close is a no-op")
}

func TestSubmitBlocksUntilContextDone(t *testing.T) {
	release := make(chan struct{})
	det := &blockingDetector{release: release}
	fx := newFixture(t, det, Config{Shards: 1, QueueDepth: 1}, trackerConfig(3))
	defer func() {
		close(release)
		_ = fx.p.Close()
	}()

	// One frame is held by the detector, then one waits in each queue.
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, fx.p.Submit(ctx, frame(i)))
	}
	require.Eventually(t, func() bool { return det.started.Load() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fx.p.Submit(ctx, frame(4)))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := fx.p.Submit(short, frame(5))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
}

type blockingDetector struct {
	release chan struct{}
	started atomic.Bool
}

func (d *blockingDetector) Detect(ctx context.Context, _ *model.Frame) detect.Result {
	d.started.Store(true)
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return detect.Result{Outcome: detect.OK}
}

func TestSweepRetiresSilentTracks(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	det := &stubDetector{dets: []model.Detection{{
		Box: model.BBox{X1: 0, Y1: 0, X2: 2, Y2: 2}, Label: "person", Confidence: 0.9,
	}}}
	fx := newClockedFixture(t, clock, det, Config{Shards: 1, QueueDepth: 4, SweepInterval: time.Second},
		trackerConfig(1))

	require.NoError(t, fx.p.Submit(context.Background(), frame(0)))
	require.Eventually(t, func() bool { return fx.p.Stats().Alerts == 1 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, clock.WaitForWaiters(1, 2*time.Second))
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		_, _, retired := fx.sink.collect()
		return len(retired) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fx.p.Close())

	records, evs, retired := fx.sink.collect()
	assert.Equal(t, model.TrackLost, retired[0].State)
	require.Len(t, evs, 1)
	assert.Equal(t, retired[0].ID, evs[0].TrackID)

	var lost int
	for _, r := range records {
		if r.Kind == "track" {
			lost++
		}
	}
	assert.Equal(t, 2, lost, "lost track is announced once per format")
}

func TestSweepKeepsTracksOfReplayedFrames(t *testing.T) {
	// The Center clock runs ten seconds ahead of the capture times, as it
	// does while an Edge drains its buffer after an outage.
	clock := timeutil.NewMockClock(t0.Add(10 * time.Second))
	det := &stubDetector{dets: []model.Detection{{
		Box: model.BBox{X1: 0, Y1: 0, X2: 2, Y2: 2}, Label: "person", Confidence: 0.9,
	}}}
	fx := newClockedFixture(t, clock, det, Config{Shards: 1, QueueDepth: 4, SweepInterval: 500 * time.Millisecond},
		trackerConfig(2))

	require.NoError(t, fx.p.Submit(context.Background(), frame(0)))
	require.Eventually(t, func() bool { return fx.p.Stats().Tracked == 1 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, clock.WaitForWaiters(1, 2*time.Second))
	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return fx.p.Stats().Sweeps == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.p.Submit(context.Background(), frame(1)))
	require.Eventually(t, func() bool { return fx.p.Stats().Alerts == 1 }, 2*time.Second, 5*time.Millisecond)
	_, evs, retired := fx.sink.collect()
	assert.Empty(t, retired)
	require.Len(t, evs, 1)

	// Once the frames stop, the track ages out on the capture timeline.
	require.True(t, clock.WaitForWaiters(1, 2*time.Second))
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		_, _, retired := fx.sink.collect()
		return len(retired) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fx.p.Close())
}

func TestSnapshotListsCounters(t *testing.T) {
	fx := newFixture(t, &stubDetector{}, Config{}, trackerConfig(3))
	require.NoError(t, fx.p.Submit(context.Background(), frame(1)))
	require.NoError(t, fx.p.Close())

	snap := fx.p.Snapshot()
	require.NotEmpty(t, snap.Stats)
	assert.Equal(t, "submitted", snap.Stats[0].Name)
	assert.Equal(t, 1.0, snap.Stats[0].Value)
}

func TestShardForIsStable(t *testing.T) {
	p := New(Config{Shards: 4}, Stages{})
	assert.Equal(t, p.shardFor("CAM_01"), p.shardFor("CAM_01"))
	for _, id := range []string{"CAM_01", "CAM_02", "GATE_7", ""} {
		s := p.shardFor(id)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 4)
	}
}
