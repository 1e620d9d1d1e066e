package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sentinel/internal/model"
)

// DefaultManifestPath is where the binaries look for the site manifest.
const DefaultManifestPath = "config/site_manifest.yaml"

// defaultFOV applies when an asset omits spatial.fov.
const defaultFOV = 60

// Manifest describes a site and the assets deployed on it.
type Manifest struct {
	SiteName          string        `yaml:"site_name"`
	CenterCoordinates [2]float64    `yaml:"center_coordinates"` // lat, lon
	Assets            []model.Asset `yaml:"-"`

	byID map[string]model.Asset
}

type manifestFile struct {
	SiteName          string          `yaml:"site_name"`
	CenterCoordinates []float64       `yaml:"center_coordinates"`
	Assets            []manifestAsset `yaml:"assets"`
}

type manifestAsset struct {
	ID         string `yaml:"id"`
	Connection struct {
		IP string `yaml:"ip"`
	} `yaml:"connection"`
	Spatial struct {
		Lat     float64  `yaml:"lat"`
		Lon     float64  `yaml:"lon"`
		Heading float64  `yaml:"heading"`
		FOV     *float64 `yaml:"fov"`
	} `yaml:"spatial"`
	Tags []string `yaml:"tags"`
}

// LoadManifest reads and validates a YAML site manifest.
func LoadManifest(path string) (*Manifest, error) {
	cleanPath := filepath.Clean(path)
	switch filepath.Ext(cleanPath) {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("manifest must have .yaml extension, got %q", filepath.Ext(cleanPath))
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest YAML. Asset ids must be unique and
// non-empty; a missing site name or centre is filled with defaults.
func ParseManifest(data []byte) (*Manifest, error) {
	var f manifestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	m := &Manifest{
		SiteName: f.SiteName,
		byID:     make(map[string]model.Asset, len(f.Assets)),
	}
	if m.SiteName == "" {
		m.SiteName = "UNKNOWN_SITE"
	}
	switch len(f.CenterCoordinates) {
	case 0:
	case 2:
		m.CenterCoordinates = [2]float64{f.CenterCoordinates[0], f.CenterCoordinates[1]}
	default:
		return nil, fmt.Errorf("center_coordinates must be [lat, lon], got %d values", len(f.CenterCoordinates))
	}

	for i, a := range f.Assets {
		if a.ID == "" {
			return nil, fmt.Errorf("asset %d: missing id", i)
		}
		if _, dup := m.byID[a.ID]; dup {
			return nil, fmt.Errorf("asset %q: duplicate id", a.ID)
		}
		fov := float64(defaultFOV)
		if a.Spatial.FOV != nil {
			fov = *a.Spatial.FOV
		}
		if fov <= 0 || fov > 360 {
			return nil, fmt.Errorf("asset %q: fov must be in (0, 360], got %f", a.ID, fov)
		}
		if a.Spatial.Lat < -90 || a.Spatial.Lat > 90 || a.Spatial.Lon < -180 || a.Spatial.Lon > 180 {
			return nil, fmt.Errorf("asset %q: coordinates out of range", a.ID)
		}
		asset := model.Asset{
			ID:        a.ID,
			Latitude:  a.Spatial.Lat,
			Longitude: a.Spatial.Lon,
			Heading:   a.Spatial.Heading,
			FOV:       fov,
			Address:   a.Connection.IP,
			Tags:      a.Tags,
		}
		m.byID[a.ID] = asset
		m.Assets = append(m.Assets, asset)
	}
	return m, nil
}

// Asset looks up an asset by id.
func (m *Manifest) Asset(id string) (model.Asset, bool) {
	a, ok := m.byID[id]
	return a, ok
}

// AssetIDs returns the sorted asset ids.
func (m *Manifest) AssetIDs() []string {
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
