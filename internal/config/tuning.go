package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root tuning configuration shared by the edge and
// center binaries. Each binary reads only the fields it needs. Fields are
// pointers so a partial file keeps the defaults for everything it omits.
type TuningConfig struct {
	// Link / heartbeat (edge)
	HeartbeatInterval   *string `json:"heartbeat_interval,omitempty"`   // duration string like "1s"
	HeartbeatTimeout    *string `json:"heartbeat_timeout,omitempty"`    // T1
	SilentWatchTimeout  *string `json:"silent_watch_timeout,omitempty"` // T2
	SilentWatchFailures *int    `json:"silent_watch_failures,omitempty"`
	ReplayBatchSize     *int    `json:"replay_batch_size,omitempty"`

	// Local event buffer (edge)
	BufferCapacity      *int     `json:"buffer_capacity,omitempty"`
	EdgeMotionThreshold *float64 `json:"edge_motion_threshold,omitempty"`

	// Admission (center)
	AdmissionRate  *float64 `json:"admission_rate,omitempty"` // items per second
	AdmissionBurst *int     `json:"admission_burst,omitempty"`

	// Motion gate (shared)
	MotionThreshold *float64 `json:"motion_threshold,omitempty"` // fraction of changed blocks
	MotionBlockSize *int     `json:"motion_block_size,omitempty"`
	MotionLumaDelta *float64 `json:"motion_luma_delta,omitempty"`

	// Detector
	DetectorTimeout        *string  `json:"detector_timeout,omitempty"`
	DetectorUnhealthyAfter *int     `json:"detector_unhealthy_after,omitempty"`
	MinDetectionConfidence *float64 `json:"min_detection_confidence,omitempty"`

	// Tracker
	MinAssociationScore *float64 `json:"min_association_score,omitempty"`
	ClassMismatchFactor *float64 `json:"class_mismatch_factor,omitempty"`
	HitsToConfirm       *int     `json:"hits_to_confirm,omitempty"`
	LostAfter           *string  `json:"lost_after,omitempty"`
	MaxTracksPerAsset   *int     `json:"max_tracks_per_asset,omitempty"`
	MaxTrackHistory     *int     `json:"max_track_history,omitempty"`
	MaxExtrapolation    *string  `json:"max_extrapolation,omitempty"`

	// Alerts & gateway
	AlertOnClassChange *bool   `json:"alert_on_class_change,omitempty"`
	AlertDedupTTL      *string `json:"alert_dedup_ttl,omitempty"`
	CoTStale           *string `json:"cot_stale,omitempty"`

	// Pipeline topology
	PipelineShards *int `json:"pipeline_shards,omitempty"`
	QueueDepth     *int `json:"queue_depth,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field populated with its
// default value. It mirrors config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		HeartbeatInterval:      ptrString("1s"),
		HeartbeatTimeout:       ptrString("2s"),
		SilentWatchTimeout:     ptrString("6s"),
		SilentWatchFailures:    ptrInt(3),
		ReplayBatchSize:        ptrInt(64),
		BufferCapacity:         ptrInt(10000),
		EdgeMotionThreshold:    ptrFloat64(0.05),
		AdmissionRate:          ptrFloat64(15),
		AdmissionBurst:         ptrInt(30),
		MotionThreshold:        ptrFloat64(0.02),
		MotionBlockSize:        ptrInt(8),
		MotionLumaDelta:        ptrFloat64(25),
		DetectorTimeout:        ptrString("500ms"),
		DetectorUnhealthyAfter: ptrInt(5),
		MinDetectionConfidence: ptrFloat64(0.5),
		MinAssociationScore:    ptrFloat64(0.3),
		ClassMismatchFactor:    ptrFloat64(0.5),
		HitsToConfirm:          ptrInt(3),
		LostAfter:              ptrString("3s"),
		MaxTracksPerAsset:      ptrInt(64),
		MaxTrackHistory:        ptrInt(50),
		MaxExtrapolation:       ptrString("1s"),
		AlertOnClassChange:     ptrBool(false),
		AlertDedupTTL:          ptrString("24h"),
		CoTStale:               ptrString("5m"),
		PipelineShards:         ptrInt(4),
		QueueDepth:             ptrInt(64),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB. The returned
// config has been validated; an invalid file is a startup error.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded; intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Only values that
// are set are checked; nil fields fall back to defaults.
func (c *TuningConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"heartbeat_interval", c.HeartbeatInterval},
		{"heartbeat_timeout", c.HeartbeatTimeout},
		{"silent_watch_timeout", c.SilentWatchTimeout},
		{"detector_timeout", c.DetectorTimeout},
		{"lost_after", c.LostAfter},
		{"max_extrapolation", c.MaxExtrapolation},
		{"alert_dedup_ttl", c.AlertDedupTTL},
		{"cot_stale", c.CoTStale},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		dur, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if dur < 0 || (dur == 0 && d.name != "max_extrapolation") {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}
	if c.GetSilentWatchTimeout() < c.GetHeartbeatTimeout() {
		return fmt.Errorf("silent_watch_timeout (%s) must not be shorter than heartbeat_timeout (%s)",
			c.GetSilentWatchTimeout(), c.GetHeartbeatTimeout())
	}

	fractions := []struct {
		name string
		v    *float64
	}{
		{"edge_motion_threshold", c.EdgeMotionThreshold},
		{"motion_threshold", c.MotionThreshold},
		{"min_detection_confidence", c.MinDetectionConfidence},
		{"min_association_score", c.MinAssociationScore},
		{"class_mismatch_factor", c.ClassMismatchFactor},
	}
	for _, f := range fractions {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}
	if c.MinAssociationScore != nil && *c.MinAssociationScore == 0 {
		return fmt.Errorf("min_association_score must be greater than 0")
	}

	positives := []struct {
		name string
		v    *int
	}{
		{"silent_watch_failures", c.SilentWatchFailures},
		{"replay_batch_size", c.ReplayBatchSize},
		{"buffer_capacity", c.BufferCapacity},
		{"admission_burst", c.AdmissionBurst},
		{"motion_block_size", c.MotionBlockSize},
		{"detector_unhealthy_after", c.DetectorUnhealthyAfter},
		{"hits_to_confirm", c.HitsToConfirm},
		{"max_tracks_per_asset", c.MaxTracksPerAsset},
		{"max_track_history", c.MaxTrackHistory},
		{"pipeline_shards", c.PipelineShards},
		{"queue_depth", c.QueueDepth},
	}
	for _, p := range positives {
		if p.v != nil && *p.v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, *p.v)
		}
	}

	if c.AdmissionRate != nil && *c.AdmissionRate <= 0 {
		return fmt.Errorf("admission_rate must be positive, got %f", *c.AdmissionRate)
	}
	if c.MotionLumaDelta != nil && (*c.MotionLumaDelta < 0 || *c.MotionLumaDelta > 255) {
		return fmt.Errorf("motion_luma_delta must be between 0 and 255, got %f", *c.MotionLumaDelta)
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetHeartbeatInterval returns how often the edge sends a heartbeat.
func (c *TuningConfig) GetHeartbeatInterval() time.Duration {
	return durationOr(c.HeartbeatInterval, time.Second)
}

// GetHeartbeatTimeout returns T1, the heartbeat round-trip budget.
func (c *TuningConfig) GetHeartbeatTimeout() time.Duration {
	return durationOr(c.HeartbeatTimeout, 2*time.Second)
}

// GetSilentWatchTimeout returns T2, the longest the link may stay Degraded.
func (c *TuningConfig) GetSilentWatchTimeout() time.Duration {
	return durationOr(c.SilentWatchTimeout, 6*time.Second)
}

// GetSilentWatchFailures returns N, the consecutive failures before SilentWatch.
func (c *TuningConfig) GetSilentWatchFailures() int {
	if c.SilentWatchFailures == nil {
		return 3
	}
	return *c.SilentWatchFailures
}

func (c *TuningConfig) GetReplayBatchSize() int {
	if c.ReplayBatchSize == nil {
		return 64
	}
	return *c.ReplayBatchSize
}

func (c *TuningConfig) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return 10000
	}
	return *c.BufferCapacity
}

// GetEdgeMotionThreshold returns the changed-block fraction that makes a
// frame significant during SilentWatch.
func (c *TuningConfig) GetEdgeMotionThreshold() float64 {
	if c.EdgeMotionThreshold == nil {
		return 0.05
	}
	return *c.EdgeMotionThreshold
}

func (c *TuningConfig) GetAdmissionRate() float64 {
	if c.AdmissionRate == nil {
		return 15
	}
	return *c.AdmissionRate
}

func (c *TuningConfig) GetAdmissionBurst() int {
	if c.AdmissionBurst == nil {
		return 30
	}
	return *c.AdmissionBurst
}

func (c *TuningConfig) GetMotionThreshold() float64 {
	if c.MotionThreshold == nil {
		return 0.02
	}
	return *c.MotionThreshold
}

func (c *TuningConfig) GetMotionBlockSize() int {
	if c.MotionBlockSize == nil {
		return 8
	}
	return *c.MotionBlockSize
}

func (c *TuningConfig) GetMotionLumaDelta() float64 {
	if c.MotionLumaDelta == nil {
		return 25
	}
	return *c.MotionLumaDelta
}

func (c *TuningConfig) GetDetectorTimeout() time.Duration {
	return durationOr(c.DetectorTimeout, 500*time.Millisecond)
}

func (c *TuningConfig) GetDetectorUnhealthyAfter() int {
	if c.DetectorUnhealthyAfter == nil {
		return 5
	}
	return *c.DetectorUnhealthyAfter
}

func (c *TuningConfig) GetMinDetectionConfidence() float64 {
	if c.MinDetectionConfidence == nil {
		return 0.5
	}
	return *c.MinDetectionConfidence
}

func (c *TuningConfig) GetMinAssociationScore() float64 {
	if c.MinAssociationScore == nil {
		return 0.3
	}
	return *c.MinAssociationScore
}

func (c *TuningConfig) GetClassMismatchFactor() float64 {
	if c.ClassMismatchFactor == nil {
		return 0.5
	}
	return *c.ClassMismatchFactor
}

func (c *TuningConfig) GetHitsToConfirm() int {
	if c.HitsToConfirm == nil {
		return 3
	}
	return *c.HitsToConfirm
}

func (c *TuningConfig) GetLostAfter() time.Duration {
	return durationOr(c.LostAfter, 3*time.Second)
}

func (c *TuningConfig) GetMaxTracksPerAsset() int {
	if c.MaxTracksPerAsset == nil {
		return 64
	}
	return *c.MaxTracksPerAsset
}

func (c *TuningConfig) GetMaxTrackHistory() int {
	if c.MaxTrackHistory == nil {
		return 50
	}
	return *c.MaxTrackHistory
}

func (c *TuningConfig) GetMaxExtrapolation() time.Duration {
	return durationOr(c.MaxExtrapolation, time.Second)
}

func (c *TuningConfig) GetAlertOnClassChange() bool {
	if c.AlertOnClassChange == nil {
		return false
	}
	return *c.AlertOnClassChange
}

func (c *TuningConfig) GetAlertDedupTTL() time.Duration {
	return durationOr(c.AlertDedupTTL, 24*time.Hour)
}

func (c *TuningConfig) GetCoTStale() time.Duration {
	return durationOr(c.CoTStale, 5*time.Minute)
}

func (c *TuningConfig) GetPipelineShards() int {
	if c.PipelineShards == nil {
		return 4
	}
	return *c.PipelineShards
}

func (c *TuningConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return 64
	}
	return *c.QueueDepth
}
