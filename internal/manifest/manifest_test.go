package manifest

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadJSONManifest(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "manifest.json"))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if len(m.Resources) != 9 {
		t.Fatalf("expected 9 resources, got %d", len(m.Resources))
	}
	if len(m.Core) != 4 || m.Core[0] != "index.html" {
		t.Fatalf("unexpected core list: %v", m.Core)
	}
	if !m.Contains(RootKey) {
		t.Fatalf("root sentinel should be managed")
	}
	if m.Version == "" {
		t.Fatalf("version should be computed")
	}
}

func TestLoadYAMLManifest(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "manifest.yaml"))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if fp, ok := m.Fingerprint("main.dart.js"); !ok || fp != "1e98a4f7390d2e9d9ad60c99fb0aff05" {
		t.Fatalf("unexpected fingerprint %q (ok=%v)", fp, ok)
	}
}

func TestLoadRejectsCoreOutsideResources(t *testing.T) {
	if _, err := Load(filepath.Join("testdata", "bad_core.json")); err == nil {
		t.Fatalf("core key missing from resources should fail")
	}
}

func TestNewRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name      string
		resources map[string]string
		core      []string
	}{
		{"empty", nil, nil},
		{"empty key", map[string]string{"": "h1"}, nil},
		{"empty fingerprint", map[string]string{"a.js": ""}, nil},
		{"duplicate core", map[string]string{"a.js": "h1"}, []string{"a.js", "a.js"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.resources, tc.core); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestVersionTracksContent(t *testing.T) {
	v1, _ := New(map[string]string{"a.js": "h1", "b.js": "h2"}, []string{"a.js"})
	same, _ := New(map[string]string{"b.js": "h2", "a.js": "h1"}, []string{"a.js"})
	v2, _ := New(map[string]string{"a.js": "h1", "b.js": "h3"}, []string{"a.js"})

	if v1.Version != same.Version {
		t.Fatalf("version should not depend on map order: %s vs %s", v1.Version, same.Version)
	}
	if v1.Version == v2.Version {
		t.Fatalf("fingerprint change should produce a new version")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	m, _ := New(map[string]string{"a.js": "h1", "/": "h0"}, nil)
	data, err := m.Record().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec, err := DecodeRecord(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["a.js"] != "h1" || rec["/"] != "h0" || len(rec) != 2 {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	if _, err := DecodeRecord(strings.NewReader("not-json")); err == nil {
		t.Fatalf("garbage record should fail")
	}
	if _, err := DecodeRecord(strings.NewReader("null")); err == nil {
		t.Fatalf("null record should fail")
	}
}
