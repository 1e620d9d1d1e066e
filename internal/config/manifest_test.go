package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadManifestFile(t *testing.T) {
	m, err := LoadManifest("../../config/site_manifest.yaml")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	if m.SiteName != "NORTH_COMPOUND" {
		t.Errorf("SiteName = %q", m.SiteName)
	}
	if m.CenterCoordinates != [2]float64{30.2672, -97.7431} {
		t.Errorf("CenterCoordinates = %v", m.CenterCoordinates)
	}
	if diff := cmp.Diff([]string{"CAM_01_NORTH_GATE", "CAM_02_EAST_FENCE"}, m.AssetIDs()); diff != "" {
		t.Errorf("AssetIDs mismatch (-want +got):\n%s", diff)
	}

	gate, ok := m.Asset("CAM_01_NORTH_GATE")
	if !ok {
		t.Fatal("CAM_01_NORTH_GATE not found")
	}
	if gate.Address != "10.0.0.21" {
		t.Errorf("Address = %q", gate.Address)
	}
	if gate.FOV != 60.0 {
		t.Errorf("FOV = %v, want 60", gate.FOV)
	}
	if diff := cmp.Diff([]string{"gate", "perimeter"}, gate.Tags); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifestDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(`
assets:
  - id: CAM_X
    spatial: {lat: 1, lon: 2}
`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.SiteName != "UNKNOWN_SITE" {
		t.Errorf("SiteName = %q, want UNKNOWN_SITE", m.SiteName)
	}

	a, ok := m.Asset("CAM_X")
	if !ok {
		t.Fatal("CAM_X not found")
	}
	if a.FOV != float64(defaultFOV) {
		t.Errorf("FOV = %v, want %v", a.FOV, defaultFOV)
	}
	if a.Heading != 0 {
		t.Errorf("Heading = %v, want 0", a.Heading)
	}

	if _, ok := m.Asset("missing"); ok {
		t.Error("Asset(missing) reported found")
	}
}

func TestParseManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "assets:\n  - spatial: {lat: 1, lon: 1}\n"},
		{"duplicate id", "assets:\n  - id: A\n  - id: A\n"},
		{"bad fov", "assets:\n  - id: A\n    spatial: {fov: 0}\n"},
		{"bad latitude", "assets:\n  - id: A\n    spatial: {lat: 95}\n"},
		{"bad centre", "center_coordinates: [1, 2, 3]\n"},
		{"not yaml", "assets: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadManifestRejectsExtension(t *testing.T) {
	if _, err := LoadManifest("/etc/site.json"); err == nil {
		t.Error("expected error for non-YAML path")
	}
}
