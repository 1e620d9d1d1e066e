// Package wire defines the messages exchanged between Edge and Center and
// their msgpack encoding, plus the NATS subject layout.
package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/sentinel/internal/model"
)

const subjectRoot = "sentinel"

// Subject kinds.
const (
	KindHeartbeat = "heartbeat"
	KindFrames    = "frames"
	KindReplay    = "replay"
	KindCoT       = "cot"
	KindGeoJSON   = "geojson"
)

// Subject returns the NATS subject for kind and asset, e.g.
// sentinel.frames.CAM_01.
func Subject(kind, assetID string) string {
	return subjectRoot + "." + kind + "." + assetID
}

// Wildcard returns the subscription subject matching every asset for kind.
func Wildcard(kind string) string {
	return subjectRoot + "." + kind + ".*"
}

// AssetFromSubject extracts the asset id from a per-asset subject.
func AssetFromSubject(subject string) (string, error) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != subjectRoot || parts[2] == "" {
		return "", fmt.Errorf("wire: malformed subject %q", subject)
	}
	return parts[2], nil
}

// Topic returns the MQTT topic for kind and asset, e.g. sentinel/cot/CAM_01.
func Topic(kind, assetID string) string {
	return subjectRoot + "/" + kind + "/" + assetID
}

// Heartbeat is the Edge probe sent every heartbeat interval.
type Heartbeat struct {
	AssetID string    `msgpack:"asset_id"`
	SentAt  time.Time `msgpack:"sent_at"`
	State   string    `msgpack:"state"`
}

// HeartbeatReply is the Center's answer to a Heartbeat.
type HeartbeatReply struct {
	ReceivedAt time.Time `msgpack:"received_at"`
}

// ReplayRequest carries one buffered record during resync.
type ReplayRequest struct {
	AssetID string               `msgpack:"asset_id"`
	Record  model.BufferedRecord `msgpack:"record"`
}

// ReplayAck answers a ReplayRequest. Acked is false when the Center could
// not take the record (admission drop or full queue); the Edge retries.
// Seq echoes the highest Seq the Center holds for the asset.
type ReplayAck struct {
	Seq    uint64 `msgpack:"seq"`
	Acked  bool   `msgpack:"acked"`
	Reason string `msgpack:"reason,omitempty"`
}

// Marshal encodes v as msgpack.
func Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

// EncodeFrame encodes a frame for the live path or a buffer payload.
func EncodeFrame(f *model.Frame) ([]byte, error) { return Marshal(f) }

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(data []byte) (*model.Frame, error) {
	var f model.Frame
	if err := Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
