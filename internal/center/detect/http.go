package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/banshee-data/sentinel/internal/model"
)

// inferRequest is the JSON body posted to the detector service.
type inferRequest struct {
	AssetID string `json:"asset_id"`
	FrameID string `json:"frame_id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Luma    []byte `json:"luma"` // base64 via encoding/json
	Payload string `json:"payload_ref,omitempty"`
}

// HTTPDetector is a Backend that posts frames to a detector service over
// HTTP and returns its JSON response.
type HTTPDetector struct {
	client *resty.Client
	path   string
}

// NewHTTPDetector creates a backend for baseURL. The per-call deadline comes
// from the context supplied by the Adapter; timeout is an outer bound for
// the underlying HTTP client.
func NewHTTPDetector(baseURL, path string, timeout time.Duration) *HTTPDetector {
	if path == "" {
		path = "/detect"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPDetector{client: client, path: path}
}

// Infer implements Backend.
func (d *HTTPDetector) Infer(ctx context.Context, f *model.Frame) ([]byte, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(inferRequest{
			AssetID: f.AssetID,
			FrameID: f.ID(),
			Width:   f.Width,
			Height:  f.Height,
			Luma:    f.Luma,
			Payload: f.PayloadRef,
		}).
		Post(d.path)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", d.path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("detector returned %s", resp.Status())
	}
	return resp.Body(), nil
}
