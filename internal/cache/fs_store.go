package cache

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
//
// 磁盘布局：
//
//	<StoragePath>/<region>/<sha1[:2]>/<sha1(url)>.entry
//
// 每个 .entry 文件首行是 JSON 元数据（请求 URL、状态码、头部），其后为正文，
// 整个文件通过临时文件 + rename 一次性落盘。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，区域级操作由 regionMu 串行化。
type fileStore struct {
	basePath string
	seq      atomic.Int64

	regionMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryHeader 是 .entry 文件首行的元数据。
type entryHeader struct {
	URL     string              `json:"url"`
	Status  int                 `json:"status"`
	Header  map[string][]string `json:"header,omitempty"`
	Size    int64               `json:"size"`
	ModTime time.Time           `json:"mod_time"`
	Seq     int64               `json:"seq"`
}

func (s *fileStore) Open(ctx context.Context, region string) error {
	if err := validateRegion(region); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.regionMu.RLock()
	defer s.regionMu.RUnlock()
	return os.MkdirAll(s.regionPath(region), 0o755)
}

func (s *fileStore) Has(ctx context.Context, region string) (bool, error) {
	if err := validateRegion(region); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.regionPath(region))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Drop 先将区域目录 rename 到临时名称，保证读者要么看到完整区域要么看不到。
func (s *fileStore) Drop(ctx context.Context, region string) error {
	if err := validateRegion(region); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.regionMu.Lock()
	defer s.regionMu.Unlock()

	dir := s.regionPath(region)
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return err
	}
	target := filepath.Join(trash, region)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(trash)
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	s.regionMu.RLock()
	defer s.regionMu.RUnlock()

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	head, offset, err := readEntryHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read cache entry %s: %w", locator.URL, err)
	}

	return &ReadResult{
		Entry: head.toEntry(locator.Region),
		Reader: &sectionReadCloser{
			SectionReader: io.NewSectionReader(f, offset, head.Size),
			closer:        f,
		},
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	s.regionMu.RLock()
	defer s.regionMu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	// 正文先写入独立临时文件以获得长度，再与元数据拼接为最终文件。
	bodyFile, err := os.CreateTemp(filepath.Dir(filePath), ".body-*")
	if err != nil {
		return nil, err
	}
	bodyName := bodyFile.Name()
	defer os.Remove(bodyName)
	defer bodyFile.Close()

	written, err := copyWithContext(ctx, bodyFile, bodyOrEmpty(body))
	if err != nil {
		return nil, err
	}
	if _, err := bodyFile.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	head := entryHeader{
		URL:     locator.URL,
		Status:  normalizeStatus(opts.Status),
		Header:  cloneHeader(opts.Header),
		Size:    written,
		ModTime: modTime,
		Seq:     s.seq.Add(1),
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	err = writeEntry(ctx, tempFile, head, bodyFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	entry := head.toEntry(locator.Region)
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	s.regionMu.RLock()
	defer s.regionMu.RUnlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, region string) ([]Entry, error) {
	if err := validateRegion(region); err != nil {
		return nil, err
	}

	s.regionMu.RLock()
	defer s.regionMu.RUnlock()

	root := s.regionPath(region)
	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p == root {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		head, _, err := readEntryHeader(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("read cache entry %s: %w", p, err)
		}
		entries = append(entries, head.toEntry(region))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
	return entries, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) regionPath(region string) string {
	return filepath.Join(s.basePath, region)
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := validateLocator(locator); err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(locator.URL))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.regionPath(locator.Region), name[:2], name+entrySuffix), nil
}

func writeEntry(ctx context.Context, dst io.Writer, head entryHeader, body io.Reader) error {
	meta, err := json.Marshal(head)
	if err != nil {
		return err
	}
	if _, err := dst.Write(append(meta, '\n')); err != nil {
		return err
	}
	_, err = copyWithContext(ctx, dst, body)
	return err
}

// readEntryHeader 解析首行元数据并返回正文起始偏移。
func readEntryHeader(f *os.File) (entryHeader, int64, error) {
	var head entryHeader
	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return head, 0, fmt.Errorf("missing metadata line: %w", err)
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return head, 0, err
	}
	return head, int64(len(line)), nil
}

func (h entryHeader) toEntry(region string) Entry {
	return Entry{
		Locator:   Locator{Region: region, URL: h.URL},
		Status:    h.Status,
		Header:    cloneHeader(h.Header),
		SizeBytes: h.Size,
		ModTime:   h.ModTime,
		Seq:       h.Seq,
	}
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (r *sectionReadCloser) Close() error {
	return r.closer.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Region + "::" + locator.URL
}
