// Package store is the typed persistence layer over a single SQLite file.
// One connection is shared by every worker and serialized at the call
// boundary; the I/O rates a single-host bot produces never make it the
// bottleneck.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

// MediaKind labels what a cache row holds. A row with more than one
// transport id is always a carousel, whatever the individual items are.
type MediaKind string

const (
	KindPhoto    MediaKind = "photo"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
	KindCarousel MediaKind = "carousel"
)

// CoerceKind applies the carousel invariant: multiple ids force the
// aggregate kind regardless of what the caller labeled it.
func CoerceKind(kind MediaKind, count int) MediaKind {
	if count > 1 {
		return KindCarousel
	}
	return kind
}

// User is one chat-transport account, recorded with insert-ignore semantics.
type User struct {
	TransportID int64
	Username    string
	FirstName   string
	LastName    string
	Locale      string
}

// DownloadedFile tracks an on-disk artifact eligible for reuse until its TTL
// expires.
type DownloadedFile struct {
	URL       string
	FilePath  string
	Size      int64
	FileType  string
	MediaKind MediaKind
	TaskDir   string
	CacheRef  int64 // 0 when the row has no cache reference yet
	ExpiresAt time.Time
}

// Store wraps the shared connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database, runs the one-shot id-column
// migration when needed and creates missing tables and indexes. It must
// complete before any requests are accepted.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transport_user_id INTEGER UNIQUE,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			locale TEXT,
			created_at DATETIME
		)`); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}

	if err := s.migrateFileCache(); err != nil {
		return err
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_unique_id TEXT UNIQUE,
			user_id INTEGER,
			text TEXT,
			created_at DATETIME
		)`); err != nil {
		return fmt.Errorf("create transcriptions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS downloaded_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT UNIQUE,
			file_path TEXT,
			size INTEGER,
			file_type TEXT,
			media_kind TEXT,
			task_dir TEXT,
			downloaded_at DATETIME,
			expires_at DATETIME,
			cache_ref INTEGER,
			FOREIGN KEY (cache_ref) REFERENCES file_cache(id)
		)`); err != nil {
		return fmt.Errorf("create downloaded_files table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_cache_url ON file_cache(url)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_id ON file_cache(id)`,
		`CREATE INDEX IF NOT EXISTS idx_tr_source ON transcriptions(source_unique_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tr_user ON transcriptions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_dl_url ON downloaded_files(url)`,
		`CREATE INDEX IF NOT EXISTS idx_dl_cache_ref ON downloaded_files(cache_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_dl_expires ON downloaded_files(expires_at)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// migrateFileCache creates the cache table, upgrading a legacy layout that
// lacked the autoincrement id column. The upgrade copies rows into a new
// table, drops the old one and renames; it runs once, before any requests.
func (s *Store) migrateFileCache() error {
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='file_cache'`).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`
			CREATE TABLE file_cache (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				url TEXT UNIQUE,
				transport_ids TEXT,
				media_kind TEXT,
				uploader_id INTEGER,
				created_at DATETIME
			)`)
		if err != nil {
			return fmt.Errorf("create file_cache table: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("inspect schema: %w", err)
	}

	hasID, err := s.columnExists("file_cache", "id")
	if err != nil {
		return err
	}
	if hasID {
		return nil
	}

	logger.InfoCF("store", "Migrating file_cache table to add id column", nil)
	stmts := []string{
		`CREATE TABLE file_cache_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT UNIQUE,
			transport_ids TEXT,
			media_kind TEXT,
			uploader_id INTEGER,
			created_at DATETIME
		)`,
		`INSERT INTO file_cache_new (url, transport_ids, media_kind, uploader_id, created_at)
			SELECT url, transport_ids, media_kind, uploader_id, created_at FROM file_cache`,
		`DROP TABLE file_cache`,
		`ALTER TABLE file_cache_new RENAME TO file_cache`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate file_cache: %w", err)
		}
	}
	logger.InfoCF("store", "file_cache migration completed", nil)
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// UpsertUser records a user with insert-ignore semantics; rows are never
// updated afterwards.
func (s *Store) UpsertUser(u User) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO users (transport_user_id, username, first_name, last_name, locale, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.TransportID, u.Username, u.FirstName, u.LastName, u.Locale, time.Now())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// parseTransportIDs accepts both storage shapes: a JSON array written by the
// current code, or a bare id string left by older rows.
func parseTransportIDs(raw string) []string {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err == nil && len(ids) > 0 {
		return ids
	}
	if raw == "" {
		return nil
	}
	return []string{raw}
}

// GetCache looks up a cache row by canonical URL. The bool result reports
// whether a row exists.
func (s *Store) GetCache(url string) ([]string, MediaKind, bool, error) {
	var (
		rawIDs string
		kind   string
	)
	err := s.db.QueryRow(
		`SELECT transport_ids, media_kind FROM file_cache WHERE url = ?`, url).Scan(&rawIDs, &kind)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, "", false, nil
	case err != nil:
		return nil, "", false, fmt.Errorf("get cache: %w", err)
	}
	return parseTransportIDs(rawIDs), MediaKind(kind), true, nil
}

// GetCacheByID looks up a cache row by primary key.
func (s *Store) GetCacheByID(id int64) ([]string, MediaKind, bool, error) {
	var (
		rawIDs string
		kind   string
	)
	err := s.db.QueryRow(
		`SELECT transport_ids, media_kind FROM file_cache WHERE id = ?`, id).Scan(&rawIDs, &kind)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, "", false, nil
	case err != nil:
		return nil, "", false, fmt.Errorf("get cache by id: %w", err)
	}
	return parseTransportIDs(rawIDs), MediaKind(kind), true, nil
}

// SaveCache upserts the (url -> transport ids, kind) mapping and returns the
// row id. Multiple ids coerce the kind to carousel. Only the JSON-array
// shape is ever written.
func (s *Store) SaveCache(url string, ids []string, kind MediaKind, uploaderID int64) (int64, error) {
	if len(ids) == 0 {
		return 0, errors.New("save cache: empty transport id list")
	}
	kind = CoerceKind(kind, len(ids))

	encoded, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("encode transport ids: %w", err)
	}

	var existing int64
	err = s.db.QueryRow(`SELECT id FROM file_cache WHERE url = ?`, url).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.Exec(`
			INSERT INTO file_cache (url, transport_ids, media_kind, uploader_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			url, string(encoded), string(kind), uploaderID, time.Now())
		if err != nil {
			return 0, fmt.Errorf("insert cache: %w", err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("probe cache: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE file_cache SET transport_ids = ?, media_kind = ?, uploader_id = ?, created_at = ?
		WHERE id = ?`,
		string(encoded), string(kind), uploaderID, time.Now(), existing)
	if err != nil {
		return 0, fmt.Errorf("update cache: %w", err)
	}
	return existing, nil
}

// CacheIDOf returns the primary key for a canonical URL, or 0 when absent.
func (s *Store) CacheIDOf(url string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM file_cache WHERE url = ?`, url).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("cache id of: %w", err)
	}
	return id, nil
}

// SaveTranscription persists one transcript keyed by the transport-supplied
// unique id, replacing any previous row.
func (s *Store) SaveTranscription(sourceUniqueID string, userID int64, text string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO transcriptions (source_unique_id, user_id, text, created_at)
		VALUES (?, ?, ?, ?)`,
		sourceUniqueID, userID, text, time.Now())
	if err != nil {
		return fmt.Errorf("save transcription: %w", err)
	}
	return nil
}

// GetTranscription returns the stored transcript, or "" when absent.
func (s *Store) GetTranscription(sourceUniqueID string) (string, error) {
	var text string
	err := s.db.QueryRow(
		`SELECT text FROM transcriptions WHERE source_unique_id = ?`, sourceUniqueID).Scan(&text)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("get transcription: %w", err)
	}
	return text, nil
}

// GetUserTranscriptions returns all transcripts of a user, newest first.
func (s *Store) GetUserTranscriptions(userID int64) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT source_unique_id, text FROM transcriptions
		WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get user transcriptions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		out[id] = text
	}
	return out, rows.Err()
}

// SaveDownloadedFile records an on-disk artifact with a TTL. The file must
// exist; a row for a vanished file would only mislead the reuse path.
func (s *Store) SaveDownloadedFile(f DownloadedFile, ttl time.Duration) error {
	if _, err := os.Stat(f.FilePath); err != nil {
		return fmt.Errorf("downloaded file missing on disk: %w", err)
	}

	expires := time.Now().Add(ttl)
	var cacheRef any
	if f.CacheRef != 0 {
		cacheRef = f.CacheRef
	}

	var existing int64
	err := s.db.QueryRow(`SELECT id FROM downloaded_files WHERE url = ?`, f.URL).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`
			INSERT INTO downloaded_files
				(url, file_path, size, file_type, media_kind, task_dir, downloaded_at, expires_at, cache_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.URL, f.FilePath, f.Size, f.FileType, string(f.MediaKind), f.TaskDir,
			time.Now(), expires, cacheRef)
		if err != nil {
			return fmt.Errorf("insert downloaded file: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("probe downloaded file: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE downloaded_files
		SET file_path = ?, size = ?, file_type = ?, media_kind = ?, task_dir = ?,
			downloaded_at = ?, expires_at = ?, cache_ref = ?
		WHERE id = ?`,
		f.FilePath, f.Size, f.FileType, string(f.MediaKind), f.TaskDir,
		time.Now(), expires, cacheRef, existing)
	if err != nil {
		return fmt.Errorf("update downloaded file: %w", err)
	}
	return nil
}

// GetDownloadedFile returns a live on-disk artifact for the URL. A row whose
// backing file is gone is deleted on the spot and reported as absent.
func (s *Store) GetDownloadedFile(url string) (*DownloadedFile, error) {
	var (
		f        DownloadedFile
		kind     string
		cacheRef sql.NullInt64
		expires  time.Time
	)
	err := s.db.QueryRow(`
		SELECT file_path, size, file_type, media_kind, task_dir, cache_ref, expires_at
		FROM downloaded_files WHERE url = ? AND expires_at > ?`,
		url, time.Now()).Scan(&f.FilePath, &f.Size, &f.FileType, &kind, &f.TaskDir, &cacheRef, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get downloaded file: %w", err)
	}

	if _, statErr := os.Stat(f.FilePath); statErr != nil {
		logger.InfoCF("store", "Downloaded file no longer on disk, dropping row", map[string]any{
			"url":  url,
			"path": f.FilePath,
		})
		if err := s.DeleteDownloadedFile(url); err != nil {
			return nil, err
		}
		return nil, nil
	}

	f.URL = url
	f.MediaKind = MediaKind(kind)
	f.CacheRef = cacheRef.Int64
	f.ExpiresAt = expires
	return &f, nil
}

// DeleteDownloadedFile removes the tracking row for a URL.
func (s *Store) DeleteDownloadedFile(url string) error {
	if _, err := s.db.Exec(`DELETE FROM downloaded_files WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete downloaded file: %w", err)
	}
	return nil
}

// SetDownloadedFileCacheRef links an on-disk row to its cache row after an
// upload writes the cache.
func (s *Store) SetDownloadedFileCacheRef(url string, cacheID int64) error {
	if _, err := s.db.Exec(
		`UPDATE downloaded_files SET cache_ref = ? WHERE url = ?`, cacheID, url); err != nil {
		return fmt.Errorf("set cache ref: %w", err)
	}
	return nil
}

// TaskDirTracked reports whether any live download record points into the
// given task directory.
func (s *Store) TaskDirTracked(dir string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM downloaded_files WHERE task_dir = ? AND expires_at > ?`,
		dir, time.Now()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("task dir tracked: %w", err)
	}
	return n > 0, nil
}

// CleanupExpiredFiles purges rows past their TTL, removing the backing file
// and its task directory, and returns the number of rows purged.
func (s *Store) CleanupExpiredFiles() (int, error) {
	rows, err := s.db.Query(`
		SELECT id, file_path, task_dir FROM downloaded_files WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("select expired files: %w", err)
	}

	type expired struct {
		id      int64
		path    string
		taskDir string
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.path, &e.taskDir); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	purged := 0
	for _, e := range batch {
		if e.path != "" {
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				logger.WarnCF("store", "Failed to remove expired file", map[string]any{
					"path":  e.path,
					"error": err.Error(),
				})
			}
		}
		if e.taskDir != "" && e.taskDir != string(filepath.Separator) {
			os.RemoveAll(e.taskDir)
		}
		if _, err := s.db.Exec(`DELETE FROM downloaded_files WHERE id = ?`, e.id); err != nil {
			return purged, fmt.Errorf("delete expired row: %w", err)
		}
		purged++
	}

	if purged > 0 {
		logger.InfoCF("store", "Cleaned up expired file records", map[string]any{"count": purged})
	}
	return purged, nil
}

// CacheStats returns total row counts for the REST facade.
func (s *Store) CacheStats() (cacheRows, userRows, transcriptionRows int64, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM file_cache`).Scan(&cacheRows); err != nil {
		return
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&userRows); err != nil {
		return
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM transcriptions`).Scan(&transcriptionRows)
	return
}
