package sinks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sentinel/internal/center/gateway"
	"github.com/banshee-data/sentinel/internal/db"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/natstest"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "center.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testBatch() Batch {
	return Batch{
		Records: []gateway.Record{
			{Seq: 1, Format: gateway.FormatCoT, Kind: "track", AssetID: "CAM_01", CorrelationID: "c-1", Body: []byte("<event/>")},
			{Seq: 2, Format: gateway.FormatGeoJSON, Kind: "track", AssetID: "CAM_01", CorrelationID: "c-1", Body: []byte(`{"type":"Feature"}`)},
		},
		Alerts: []model.AlertEvent{
			{TrackID: "trk_1", AssetID: "CAM_01", Kind: model.AlertTrackConfirmed, Label: "person", Timestamp: t0, Confidence: 0.8},
		},
		Retired: []model.Track{
			{ID: "trk_1", AssetID: "CAM_01", State: model.TrackLost, Label: "person", Hits: 0,
				FirstSeen: t0, LastSeen: t0.Add(10 * time.Second), Detections: 42, MaxConfidence: 0.93},
		},
	}
}

func TestArchiveWriteAndQuery(t *testing.T) {
	d := setupTestDB(t)
	a := NewArchive(d, timeutil.NewMockClock(t0.Add(time.Hour)))
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, testBatch()))
	require.NoError(t, a.Write(ctx, testBatch()), "rewriting a batch is idempotent")

	tracks, err := a.RecentTracks(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, ArchivedTrack{
		TrackID: "trk_1", AssetID: "CAM_01", Label: "person", State: "lost",
		FirstSeen: t0, LastSeen: t0.Add(10 * time.Second), Hits: 0, Detections: 42,
		MaxConfidence: 0.93, ArchivedAt: t0.Add(time.Hour),
	}, tracks[0])

	other, err := a.RecentTracks(ctx, "CAM_02", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	alerts, err := a.Alerts(ctx, "trk_1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, testBatch().Alerts[0], alerts[0])
}

func TestArchiveKeepsEveryClassChange(t *testing.T) {
	d := setupTestDB(t)
	a := NewArchive(d, nil)
	ctx := context.Background()

	for i, label := range []string{"car", "person"} {
		require.NoError(t, a.Write(ctx, Batch{Alerts: []model.AlertEvent{{
			TrackID: "trk_1", AssetID: "CAM_01", Kind: model.AlertClassChange,
			Label: label, Timestamp: t0.Add(time.Duration(i) * time.Second),
		}}}))
	}
	alerts, err := a.Alerts(ctx, "trk_1")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "car", alerts[0].Label)
	assert.Equal(t, "person", alerts[1].Label)
}

func TestNATSSinkPublishesPerAssetSubjects(t *testing.T) {
	s := natstest.RunServer(t)
	pub := natstest.Connect(t, s)
	sub := natstest.Connect(t, s)

	msgs := make(chan *nats.Msg, 4)
	_, err := sub.ChanSubscribe("sentinel.*.CAM_01", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink := NewNATSSink(pub)
	require.NoError(t, sink.Write(context.Background(), testBatch()))
	require.NoError(t, sink.Close())

	want := []struct{ subject, seq, body string }{
		{"sentinel.cot.CAM_01", "1", "<event/>"},
		{"sentinel.geojson.CAM_01", "2", `{"type":"Feature"}`},
	}
	for _, w := range want {
		select {
		case m := <-msgs:
			assert.Equal(t, w.subject, m.Subject)
			assert.Equal(t, w.seq, m.Header.Get(HeaderSeq))
			assert.Equal(t, "c-1", m.Header.Get(HeaderCorrelationID))
			assert.Equal(t, w.body, string(m.Data))
		case <-time.After(2 * time.Second):
			t.Fatalf("no message for %s", w.subject)
		}
	}
}

// fakeToken is a completed mqtt.Token.
type fakeToken struct{ err error }

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

// slowToken completes after delay.
type slowToken struct {
	fakeToken
	delay time.Duration
}

func (t slowToken) WaitTimeout(d time.Duration) bool {
	if d < t.delay {
		time.Sleep(d)
		return false
	}
	time.Sleep(t.delay)
	return true
}

// fakeMQTT records publishes; every other mqtt.Client method is unused.
type fakeMQTT struct {
	mqtt.Client
	mu     sync.Mutex
	topics  []string
	err     error
	delay   time.Duration
	offline bool
}

func (c *fakeMQTT) IsConnectionOpen() bool { return !c.offline }

func (c *fakeMQTT) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	if c.delay > 0 {
		return slowToken{fakeToken: fakeToken{err: c.err}, delay: c.delay}
	}
	return fakeToken{err: c.err}
}

func (c *fakeMQTT) Disconnect(uint) {}

func TestMQTTSinkTopics(t *testing.T) {
	client := &fakeMQTT{}
	sink := NewMQTTSink(client, 1, time.Second, nil)
	require.NoError(t, sink.Write(context.Background(), testBatch()))
	assert.Equal(t, []string{"sentinel/cot/CAM_01", "sentinel/geojson/CAM_01"}, client.topics)
	assert.NoError(t, sink.Close())
}

func TestMQTTSinkError(t *testing.T) {
	client := &fakeMQTT{err: errors.New("not connected")}
	sink := NewMQTTSink(client, 0, time.Second, nil)
	err := sink.Write(context.Background(), testBatch())
	require.Error(t, err)
	assert.Len(t, client.topics, 1, "stops at the first failure")
}

func TestMQTTSinkOfflineFailsFast(t *testing.T) {
	client := &fakeMQTT{offline: true, delay: time.Second}
	sink := NewMQTTSink(client, 1, time.Second, nil)
	start := time.Now()
	err := sink.Write(context.Background(), testBatch())
	assert.ErrorIs(t, err, ErrMQTTOffline)
	assert.Empty(t, client.topics)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestMQTTSinkTimeoutCoversBatch(t *testing.T) {
	client := &fakeMQTT{delay: 150 * time.Millisecond}
	sink := NewMQTTSink(client, 1, 250*time.Millisecond, nil)
	start := time.Now()
	err := sink.Write(context.Background(), testBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Len(t, client.topics, 2)
	assert.Less(t, time.Since(start), 450*time.Millisecond, "one deadline for the batch")
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(context.Context, Batch) error {
	f.calls++
	return errors.New("boom")
}
func (f *failingSink) Close() error { return nil }

func TestMultiIsolatesFailures(t *testing.T) {
	m := monitoring.NewMetrics()
	failing := &failingSink{}
	client := &fakeMQTT{}
	multi := NewMulti(nil, m, failing, nil, NewMQTTSink(client, 0, time.Second, nil))

	err := multi.Write(context.Background(), testBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: boom")
	assert.Len(t, client.topics, 2, "healthy sink still receives the batch")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrors.WithLabelValues("failing")))

	require.NoError(t, multi.Write(context.Background(), Batch{}))
	assert.Equal(t, 1, failing.calls, "empty batches are skipped")
	assert.NoError(t, multi.Close())
}
