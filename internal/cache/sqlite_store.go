package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS regions (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	region   TEXT    NOT NULL,
	url      TEXT    NOT NULL,
	seq      INTEGER NOT NULL,
	status   INTEGER NOT NULL,
	header   TEXT    NOT NULL,
	body     BLOB    NOT NULL,
	mod_time INTEGER NOT NULL,
	PRIMARY KEY (region, url)
);
CREATE INDEX IF NOT EXISTS entries_region_seq ON entries (region, seq);
`

// NewSQLiteStore 打开（或创建）单文件 sqlite 数据库作为区域存储，
// 每个写操作都在单个事务内完成，区域删除与条目写入互斥。
func NewSQLiteStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := "file:" + abs + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Open(ctx context.Context, region string) error {
	if err := validateRegion(region); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO regions (name) VALUES (?)`, region)
	return err
}

func (s *sqliteStore) Has(ctx context.Context, region string) (bool, error) {
	if err := validateRegion(region); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM regions WHERE name = ?`, region).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Drop(ctx context.Context, region string) error {
	if err := validateRegion(region); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE region = ?`, region); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM regions WHERE name = ?`, region)
		return err
	})
}

func (s *sqliteStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}

	var (
		seq     int64
		status  int
		header  string
		body    []byte
		modTime int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, status, header, body, mod_time FROM entries WHERE region = ? AND url = ?`,
		locator.Region, locator.URL,
	).Scan(&seq, &status, &header, &body, &modTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	h, err := decodeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("read cache entry %s: %w", locator.URL, err)
	}
	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			Status:    status,
			Header:    h,
			SizeBytes: int64(len(body)),
			ModTime:   time.Unix(0, modTime).UTC(),
			Seq:       seq,
		},
		Reader: nopSeekCloser{bytes.NewReader(body)},
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, bodyOrEmpty(body)); err != nil {
		return nil, err
	}
	header := cloneHeader(opts.Header)
	encoded, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}

	// modernc 把 nil 切片绑定为 NULL，空正文必须是非 nil 的空切片。
	payload := buf.Bytes()
	if payload == nil {
		payload = []byte{}
	}

	entry := Entry{
		Locator:   locator,
		Status:    normalizeStatus(opts.Status),
		Header:    header,
		SizeBytes: int64(buf.Len()),
		ModTime:   modTime,
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO regions (name) VALUES (?)`, locator.Region); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM entries`).Scan(&entry.Seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entries (region, url, seq, status, header, body, mod_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (region, url) DO UPDATE SET
			   seq = excluded.seq, status = excluded.status, header = excluded.header,
			   body = excluded.body, mod_time = excluded.mod_time`,
			locator.Region, locator.URL, entry.Seq, entry.Status, string(encoded), payload, modTime.UnixNano(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *sqliteStore) Remove(ctx context.Context, locator Locator) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE region = ? AND url = ?`, locator.Region, locator.URL)
	return err
}

func (s *sqliteStore) Keys(ctx context.Context, region string) ([]Entry, error) {
	if err := validateRegion(region); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, seq, status, header, length(body), mod_time FROM entries WHERE region = ? ORDER BY seq`,
		region,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			header  string
			modTime int64
		)
		if err := rows.Scan(&entry.Locator.URL, &entry.Seq, &entry.Status, &header, &entry.SizeBytes, &modTime); err != nil {
			return nil, err
		}
		entry.Locator.Region = region
		entry.ModTime = time.Unix(0, modTime).UTC()
		if entry.Header, err = decodeHeader(header); err != nil {
			return nil, fmt.Errorf("read cache entry %s: %w", entry.Locator.URL, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func decodeHeader(raw string) (http.Header, error) {
	header := http.Header{}
	if raw == "" {
		return header, nil
	}
	if err := json.Unmarshal([]byte(raw), &header); err != nil {
		return nil, err
	}
	return header, nil
}
