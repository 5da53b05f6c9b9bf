package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/shellcache/internal/cache"
)

func TestReconcileWithoutRecordResetsContent(t *testing.T) {
	store := cache.NewMemoryStore()
	regions := cache.DefaultRegions()
	putEntry(t, store, regions.Content, "stale.js", "leftover")
	putEntry(t, store, regions.Content, "main.dart.js", "old-main")

	net := newFakeNetwork(shellBodies)
	m := mustManifest(t, shellResources, "/", "index.html")
	a := newTestAgent(t, store, net, m)
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	report, err := a.Activate(context.Background())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !report.FirstRun {
		t.Fatalf("missing record should be reported as first run")
	}

	want := map[string]string{
		urlOf("/"):          shellBodies["/"],
		urlOf("index.html"): shellBodies["index.html"],
	}
	if diff := cmp.Diff(want, regionContents(t, store, regions.Content)); diff != "" {
		t.Fatalf("content should equal staging (-want +got):\n%s", diff)
	}
	if ok, _ := store.Has(context.Background(), regions.Staging); ok {
		t.Fatalf("staging should be dropped after reconcile")
	}
	if diff := cmp.Diff(m.Record(), storedRecord(t, store)); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileRetainsUnchangedAndEvictsChanged(t *testing.T) {
	store := cache.NewMemoryStore()
	regions := cache.DefaultRegions()
	net := newFakeNetwork(shellBodies)

	v1 := mustManifest(t, map[string]string{
		"index.html":     "i1",
		"main.dart.js":   "m1",
		"flutter.js":     "f1",
		"assets/NOTICES": "n1",
	})
	activeAgent(t, store, net, v1)
	for _, key := range []string{"index.html", "main.dart.js", "flutter.js", "assets/NOTICES"} {
		putEntry(t, store, regions.Content, key, "v1-"+key)
	}

	v2 := mustManifest(t, map[string]string{
		"index.html":   "i1",
		"main.dart.js": "m2",
		"flutter.js":   "f1",
	})
	a := newTestAgent(t, store, net, v2)
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	report, err := a.Activate(context.Background())
	if err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	want := map[string]string{
		urlOf("index.html"): "v1-index.html",
		urlOf("flutter.js"): "v1-flutter.js",
	}
	if diff := cmp.Diff(want, regionContents(t, store, regions.Content)); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
	if len(report.Evicted) != 2 || len(report.Kept) != 2 {
		t.Fatalf("expected 2 kept / 2 evicted, got %+v", report)
	}
	if diff := cmp.Diff(v2.Record(), storedRecord(t, store)); diff != "" {
		t.Fatalf("record should be replaced (-want +got):\n%s", diff)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := cache.NewMemoryStore()
	regions := cache.DefaultRegions()
	net := newFakeNetwork(shellBodies)
	a := activeAgent(t, store, net, mustManifest(t, shellResources, "/", "index.html"))
	putEntry(t, store, regions.Content, "main.dart.js", "lazy")

	before := regionContents(t, store, regions.Content)
	calls := net.totalCalls()
	if _, err := a.Reconcile(context.Background()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if _, err := a.Reconcile(context.Background()); err != nil {
		t.Fatalf("third reconcile: %v", err)
	}
	if diff := cmp.Diff(before, regionContents(t, store, regions.Content)); diff != "" {
		t.Fatalf("reconcile with unchanged manifest must not alter content (-before +after):\n%s", diff)
	}
	if got := net.totalCalls(); got != calls {
		t.Fatalf("reconcile must not touch the network, calls went from %d to %d", calls, got)
	}
}

func TestReconcileEvictsVersionedAndForeignEntries(t *testing.T) {
	store := cache.NewMemoryStore()
	regions := cache.DefaultRegions()
	net := newFakeNetwork(shellBodies)
	a := activeAgent(t, store, net, mustManifest(t, shellResources))

	putURL(t, store, regions.Content, urlOf("main.dart.js")+"?v=123", "versioned")
	putURL(t, store, regions.Content, "https://cdn.example.com/lib.js", "foreign")
	putEntry(t, store, regions.Content, "flutter.js", "kept")

	report, err := a.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := []string{urlOf("flutter.js")}
	if diff := cmp.Diff(want, regionURLs(t, store, regions.Content)); diff != "" {
		t.Fatalf("content urls mismatch (-want +got):\n%s", diff)
	}
	if len(report.Evicted) != 2 {
		t.Fatalf("expected versioned and foreign entries evicted, got %v", report.Evicted)
	}
}

func TestReconcileRootEntryKeyedAsRoot(t *testing.T) {
	store := cache.NewMemoryStore()
	regions := cache.DefaultRegions()
	net := newFakeNetwork(shellBodies)
	a := activeAgent(t, store, net, mustManifest(t, shellResources))

	putURL(t, store, regions.Content, testOrigin+"/", "root")
	putURL(t, store, regions.Content, testOrigin, "bare-origin")
	if _, err := a.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got := regionContents(t, store, regions.Content)
	if got[testOrigin+"/"] != "root" || got[testOrigin] != "bare-origin" {
		t.Fatalf("entries deriving the root key must be retained, got %v", got)
	}
}

func TestReconcileFailureWipesAllRegions(t *testing.T) {
	regions := cache.DefaultRegions()
	base := cache.NewMemoryStore()
	net := newFakeNetwork(shellBodies)
	activeAgent(t, base, net, mustManifest(t, shellResources, "index.html"))

	store := &failingStore{Store: base, failRegion: regions.ManifestRecord}
	v2 := mustManifest(t, map[string]string{"index.html": "i2"}, "index.html")
	a := newTestAgent(t, store, net, v2)
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	report, err := a.Activate(context.Background())

	var recErr *ReconcileError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected ReconcileError, got %v", err)
	}
	if recErr.Stage != "save record" {
		t.Fatalf("unexpected failing stage %q", recErr.Stage)
	}
	if !report.Reset {
		t.Fatalf("report should be flagged reset")
	}
	if a.State() != StateActive {
		t.Fatalf("agent should still become active after a failed reconcile, got %s", a.State())
	}
	for _, name := range regions.All() {
		if ok, _ := base.Has(context.Background(), name); ok {
			t.Fatalf("region %s should be wiped", name)
		}
	}
}

func TestReconcileCorruptRecordWipes(t *testing.T) {
	store := cache.NewMemoryStore()
	regions := cache.DefaultRegions()
	putURL(t, store, regions.ManifestRecord, recordIdentity, "{not json")
	putEntry(t, store, regions.Content, "index.html", "cached")

	net := newFakeNetwork(shellBodies)
	a := newTestAgent(t, store, net, mustManifest(t, shellResources))
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := a.Activate(context.Background()); err == nil {
		t.Fatalf("corrupt record should fail reconcile")
	}
	for _, name := range regions.All() {
		if ok, _ := store.Has(context.Background(), name); ok {
			t.Fatalf("region %s should be wiped", name)
		}
	}
}
