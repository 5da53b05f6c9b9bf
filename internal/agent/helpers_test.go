package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/manifest"
)

const testOrigin = "https://app.example.com"

var errOffline = errors.New("network unreachable")

// fakeNetwork 模拟源站：按 URL 返回固定正文，可整体断网或让单个 URL 失败。
type fakeNetwork struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	broken   map[string]bool
	offline  bool
	calls    map[string]int
	noCache  map[string]bool
}

func newFakeNetwork(bodies map[string]string) *fakeNetwork {
	n := &fakeNetwork{
		bodies:   map[string]string{},
		statuses: map[string]int{},
		broken:   map[string]bool{},
		calls:    map[string]int{},
		noCache:  map[string]bool{},
	}
	for key, body := range bodies {
		n.bodies[manifest.ResourceURL(testOrigin, key)] = body
	}
	return n
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL]++
	if req.NoCache {
		n.noCache[req.URL] = true
	}
	if n.offline || n.broken[req.URL] {
		return nil, &fetch.NetworkError{URL: req.URL, Err: errOffline}
	}
	body, ok := n.bodies[req.URL]
	if !ok {
		return &fetch.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	status := http.StatusOK
	if s, ok := n.statuses[req.URL]; ok {
		status = s
	}
	return &fetch.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (n *fakeNetwork) set(key, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[manifest.ResourceURL(testOrigin, key)] = body
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) breakKey(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broken[manifest.ResourceURL(testOrigin, key)] = true
}

func (n *fakeNetwork) callCount(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

// failingStore 在指定区域的 Put 上注入错误。
type failingStore struct {
	cache.Store
	failRegion string
}

func (s *failingStore) Put(ctx context.Context, locator cache.Locator, body io.Reader, opts cache.PutOptions) (*cache.Entry, error) {
	if locator.Region == s.failRegion {
		return nil, errors.New("disk full")
	}
	return s.Store.Put(ctx, locator, body, opts)
}

func mustManifest(t *testing.T, resources map[string]string, core ...string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(resources, core)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	return m
}

func newTestAgent(t *testing.T, store cache.Store, net fetch.Fetcher, m *manifest.Manifest) *Agent {
	t.Helper()
	a, err := New(Options{
		Origin:   testOrigin,
		Manifest: m,
		Store:    store,
		Regions:  cache.DefaultRegions(),
		Fetcher:  net,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

// activeAgent 完成 install + activate 并断言对账成功。
func activeAgent(t *testing.T, store cache.Store, net fetch.Fetcher, m *manifest.Manifest) *Agent {
	t.Helper()
	a := newTestAgent(t, store, net, m)
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := a.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return a
}

func putEntry(t *testing.T, store cache.Store, region, key, body string) {
	t.Helper()
	putURL(t, store, region, manifest.ResourceURL(testOrigin, key), body)
}

func putURL(t *testing.T, store cache.Store, region, url, body string) {
	t.Helper()
	_, err := store.Put(context.Background(), cache.Locator{Region: region, URL: url}, strings.NewReader(body), cache.PutOptions{})
	if err != nil {
		t.Fatalf("put %s/%s: %v", region, url, err)
	}
}

// regionContents 返回区域内 URL → 正文。
func regionContents(t *testing.T, store cache.Store, region string) map[string]string {
	t.Helper()
	ctx := context.Background()
	entries, err := store.Keys(ctx, region)
	if err != nil {
		t.Fatalf("keys %s: %v", region, err)
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		result, err := store.Get(ctx, entry.Locator)
		if err != nil {
			t.Fatalf("get %s: %v", entry.Locator.URL, err)
		}
		body, _ := io.ReadAll(result.Reader)
		result.Reader.Close()
		out[entry.Locator.URL] = string(body)
	}
	return out
}

func regionURLs(t *testing.T, store cache.Store, region string) []string {
	t.Helper()
	var urls []string
	for url := range regionContents(t, store, region) {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

func storedRecord(t *testing.T, store cache.Store) manifest.Record {
	t.Helper()
	result, err := store.Get(context.Background(), cache.Locator{Region: cache.DefaultRegions().ManifestRecord, URL: recordIdentity})
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	defer result.Reader.Close()
	record, err := manifest.DecodeRecord(result.Reader)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return record
}

func urlOf(key string) string {
	return manifest.ResourceURL(testOrigin, key)
}

// streamingNetwork 在 fakeNetwork 之上实现 fetch.Streamer，记录流式调用次数。
type streamingNetwork struct {
	*fakeNetwork
	streams int
}

func (n *streamingNetwork) Stream(ctx context.Context, req *fetch.Request) (*fetch.StreamResponse, error) {
	resp, err := n.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.streams++
	n.mu.Unlock()
	return &fetch.StreamResponse{
		Status:        resp.Status,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: -1,
	}, nil
}

func (n *streamingNetwork) streamCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.streams
}
