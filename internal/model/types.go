package model

import (
	"fmt"
	"time"
)

//
// 0) Assets & connection state
//

// Asset is a sensor identity and its physical pose. Owned by configuration
// and immutable for the lifetime of a session.
type Asset struct {
	ID        string   `json:"id" yaml:"id"`
	Latitude  float64  `json:"lat" yaml:"lat"`
	Longitude float64  `json:"lon" yaml:"lon"`
	Heading   float64  `json:"heading" yaml:"heading"` // degrees clockwise from true north
	FOV       float64  `json:"fov" yaml:"fov"`         // horizontal field of view, degrees
	Address   string   `json:"ip,omitempty" yaml:"ip,omitempty"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// ConnectionState is the state of one Asset–Center link.
// Owner: edge/link.Machine.
type ConnectionState int32

const (
	Live        ConnectionState = iota // streaming, heartbeat healthy
	Degraded                           // one heartbeat missed, live path still attempted
	SilentWatch                        // link considered down, local-only operation
	Resyncing                          // link back, replaying buffered records
)

func (s ConnectionState) String() string {
	switch s {
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case SilentWatch:
		return "silent_watch"
	case Resyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseConnectionState is the inverse of ConnectionState.String.
func ParseConnectionState(s string) (ConnectionState, bool) {
	switch s {
	case "live":
		return Live, true
	case "degraded":
		return Degraded, true
	case "silent_watch":
		return SilentWatch, true
	case "resyncing":
		return Resyncing, true
	}
	return Live, false
}

//
// 1) Edge buffer
//

// BufferedRecord is a significant local event held by the Edge while the
// link is down. Owner: edge/buffer.Buffer.
type BufferedRecord struct {
	Seq          uint64    `msgpack:"seq"`
	CapturedAt   time.Time `msgpack:"captured_at"`
	Payload      []byte    `msgpack:"payload"`
	Significance float64   `msgpack:"significance"`
}

//
// 2) Frames (transient, produced at capture rate)
//

// Frame is one captured image from an asset. Luma is a down-sampled
// grayscale plane (Width*Height bytes, row-major) used for change detection;
// PayloadRef points at the full-resolution payload held by the video layer.
type Frame struct {
	AssetID    string    `msgpack:"asset_id"`
	CapturedAt time.Time `msgpack:"captured_at"`
	Counter    uint64    `msgpack:"counter"`
	Width      int       `msgpack:"width"`
	Height     int       `msgpack:"height"`
	Luma       []byte    `msgpack:"luma"`
	PayloadRef string    `msgpack:"payload_ref,omitempty"`
	Replayed   bool      `msgpack:"replayed,omitempty"`
}

// ID returns the frame identifier "asset/counter".
func (f *Frame) ID() string {
	return fmt.Sprintf("%s/%d", f.AssetID, f.Counter)
}

// Valid reports whether the luma plane matches the declared dimensions.
func (f *Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Luma) == f.Width*f.Height
}

//
// 3) Detections (one call to the detector → zero or more records)
//

// Detection is a single normalized detector output. Never mutated.
type Detection struct {
	FrameID    string    `json:"frame_id"`
	AssetID    string    `json:"asset_id"`
	Box        BBox      `json:"box"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	DetectorID string    `json:"detector_id,omitempty"`
	CapturedAt time.Time `json:"captured_at"`

	// Dimensions of the source frame, for projecting Box onto the asset FOV.
	FrameWidth  int `json:"frame_width,omitempty"`
	FrameHeight int `json:"frame_height,omitempty"`
}

// HorizontalOffset returns the box centre's horizontal position relative to
// the frame centre, in [-0.5, 0.5]. It is 0 when the frame width is unknown.
func (d Detection) HorizontalOffset() float64 {
	if d.FrameWidth <= 0 {
		return 0
	}
	cx, _ := d.Box.Center()
	off := cx/float64(d.FrameWidth) - 0.5
	return max(-0.5, min(0.5, off))
}

//
// 4) Tracks
//

// TrackState is the lifecycle state of a track.
type TrackState string

const (
	TrackTentative TrackState = "tentative" // new, awaiting confirmation
	TrackConfirmed TrackState = "confirmed" // matched on enough consecutive frames
	TrackLost      TrackState = "lost"      // retired, id never reused
)

// Track links detections of one object on one asset.
// Owner: center/tracks.Tracker.
type Track struct {
	ID         string
	AssetID    string
	State      TrackState
	History    []Detection
	Hits       int // consecutive matched frames
	FirstSeen  time.Time
	LastSeen   time.Time
	Label      string
	Confidence float64 // of the latest detection

	Detections    int // total matched detections, not capped by History
	MaxConfidence float64
}

// Last returns the most recent detection, or false when the history is empty.
func (t *Track) Last() (Detection, bool) {
	if len(t.History) == 0 {
		return Detection{}, false
	}
	return t.History[len(t.History)-1], true
}

// Clone returns a copy whose History does not alias the original.
func (t *Track) Clone() Track {
	c := *t
	c.History = append([]Detection(nil), t.History...)
	return c
}

// TrackTransition describes one lifecycle change observed by the tracker.
// From is empty for newly created tracks.
type TrackTransition struct {
	Track         Track
	From          TrackState
	To            TrackState
	At            time.Time
	ClassChanged  bool
	PreviousLabel string
}

//
// 5) Alerts
//

// AlertKind names the transition an alert was raised for.
type AlertKind string

const (
	AlertTrackConfirmed AlertKind = "track_confirmed"
	AlertClassChange    AlertKind = "class_change"
)

// AlertEvent is emitted at most once per qualifying track transition.
type AlertEvent struct {
	TrackID    string    `json:"track_id"`
	AssetID    string    `json:"asset_id"`
	Kind       AlertKind `json:"kind"`
	Label      string    `json:"label"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}
