package gateway

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// cotTimeLayout is the CoT timestamp format (UTC, millisecond precision).
const cotTimeLayout = "2006-01-02T15:04:05.000Z"

type cotEvent struct {
	XMLName xml.Name  `xml:"event"`
	Version string    `xml:"version,attr"`
	UID     string    `xml:"uid,attr"`
	Type    string    `xml:"type,attr"`
	Time    string    `xml:"time,attr"`
	Start   string    `xml:"start,attr"`
	Stale   string    `xml:"stale,attr"`
	How     string    `xml:"how,attr"`
	Point   cotPoint  `xml:"point"`
	Detail  cotDetail `xml:"detail"`
}

type cotPoint struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	HAE string `xml:"hae,attr"`
	CE  string `xml:"ce,attr"`
	LE  string `xml:"le,attr"`
}

type cotDetail struct {
	Contact  cotContact  `xml:"contact"`
	Sensor   cotSensor   `xml:"sensor"`
	Sentinel cotSentinel `xml:"sentinel"`
	Remarks  string      `xml:"remarks"`
}

type cotContact struct {
	Callsign string `xml:"callsign,attr"`
}

type cotSensor struct {
	Azimuth string `xml:"azimuth,attr"`
	FOV     string `xml:"fov,attr"`
}

// cotSentinel carries the internal identity alongside the CoT uid.
type cotSentinel struct {
	TrackID    string `xml:"track_id,attr"`
	AssetID    string `xml:"asset_id,attr"`
	Kind       string `xml:"kind,attr"`
	State      string `xml:"state,attr"`
	AssetKnown bool   `xml:"asset_known,attr"`
}

func (g *Gateway) encodeCoT(s subject, p pose, corr string, now time.Time) ([]byte, error) {
	start := s.at.UTC()
	remarks := fmt.Sprintf("Detected %s with confidence %.2f", s.label, s.confidence)
	if s.kind != "track" {
		remarks = fmt.Sprintf("Alert %s: %s with confidence %.2f", s.kind, s.label, s.confidence)
	}

	ev := cotEvent{
		Version: "2.0",
		UID:     corr,
		Type:    g.cotType(s.label),
		Time:    now.Format(cotTimeLayout),
		Start:   start.Format(cotTimeLayout),
		Stale:   start.Add(g.cfg.Stale).Format(cotTimeLayout),
		How:     "m-g",
		Point: cotPoint{
			Lat: formatFloat(p.lat),
			Lon: formatFloat(p.lon),
			HAE: "0",
			CE:  "10",
			LE:  "10",
		},
		Detail: cotDetail{
			Contact: cotContact{Callsign: fmt.Sprintf("%s-%s", s.label, shortID(corr))},
			Sensor:  cotSensor{Azimuth: formatFloat(p.bearing), FOV: formatFloat(p.fov)},
			Sentinel: cotSentinel{
				TrackID:    s.trackID,
				AssetID:    s.assetID,
				Kind:       s.kind,
				State:      s.state,
				AssetKnown: p.known,
			},
			Remarks: remarks,
		},
	}
	return xml.Marshal(ev)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func shortID(corr string) string {
	if len(corr) < 8 {
		return corr
	}
	return corr[:8]
}
