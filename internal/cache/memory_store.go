package cache

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore 返回进程内 Store，适用于测试与不需要持久化的部署。
func NewMemoryStore() Store {
	return &memoryStore{regions: make(map[string]map[string]*memoryEntry)}
}

type memoryStore struct {
	mu      sync.RWMutex
	seq     int64
	regions map[string]map[string]*memoryEntry
}

type memoryEntry struct {
	entry Entry
	body  []byte
}

func (s *memoryStore) Open(ctx context.Context, region string) error {
	if err := validateRegion(region); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(region)
	return nil
}

func (s *memoryStore) Has(ctx context.Context, region string) (bool, error) {
	if err := validateRegion(region); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.regions[region]
	return ok, ctx.Err()
}

func (s *memoryStore) Drop(ctx context.Context, region string) error {
	if err := validateRegion(region); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.regions[locator.Region][locator.URL]
	if !ok {
		return nil, ErrNotFound
	}
	entry := item.entry
	entry.Header = cloneHeader(entry.Header)
	return &ReadResult{
		Entry:  entry,
		Reader: nopSeekCloser{bytes.NewReader(item.body)},
	}, nil
}

func (s *memoryStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, bodyOrEmpty(body)); err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	entry := Entry{
		Locator:   locator,
		Status:    normalizeStatus(opts.Status),
		Header:    cloneHeader(opts.Header),
		SizeBytes: int64(buf.Len()),
		ModTime:   modTime,
		Seq:       s.seq,
	}
	s.ensure(locator.Region)[locator.URL] = &memoryEntry{entry: entry, body: buf.Bytes()}

	out := entry
	out.Header = cloneHeader(entry.Header)
	return &out, nil
}

func (s *memoryStore) Remove(ctx context.Context, locator Locator) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if region, ok := s.regions[locator.Region]; ok {
		delete(region, locator.URL)
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, region string) ([]Entry, error) {
	if err := validateRegion(region); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.regions[region]
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entry := item.entry
		entry.Header = cloneHeader(entry.Header)
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
	return entries, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (s *memoryStore) ensure(region string) map[string]*memoryEntry {
	items, ok := s.regions[region]
	if !ok {
		items = make(map[string]*memoryEntry)
		s.regions[region] = items
	}
	return items
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }
