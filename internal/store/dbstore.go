package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chp-go/chp/internal/logging"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	// DefaultDatabaseURL is used when CHP_DATABASE_URL is unset.
	DefaultDatabaseURL = "sqlite:///chp.sqlite"
	// DefaultDatabaseTable is used when CHP_DATABASE_TABLE is unset.
	DefaultDatabaseTable = "chp_routes"

	dtSentinel = "_dt_:"
)

// routeRow is the chp_routes table: id, path (unique), data (JSON text
// with "_dt_:<iso8601>" sentinel-encoded datetimes).
type routeRow struct {
	ID   uint   `gorm:"primarykey"`
	Path string `gorm:"column:path;size:128;uniqueIndex"`
	Data string `gorm:"column:data"`
}

// DBStore is the database-backed Store, grounded on
// configurable_http_proxy/dbstore.py's TableTrie: a single table keyed by
// path, with get_target emulating the trie by probing progressively
// shorter ancestor paths.
type DBStore struct {
	db    *gorm.DB
	table string
	mu    sync.Mutex
}

// NewDBStore opens (creating if necessary) a database-backed store. url is
// a SQLAlchemy-style DSN; only the sqlite:/// form is supported, matching
// the spec's CHP_DATABASE_URL default.
func NewDBStore(url, table string) (*DBStore, error) {
	if url == "" {
		url = DefaultDatabaseURL
	}
	if table == "" {
		table = DefaultDatabaseTable
	}
	dsn, err := sqliteDSN(url)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database %q: %w", url, err)
	}
	if err := db.Table(table).AutoMigrate(&routeRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate table %q: %w", table, err)
	}

	logging.L().Info().Str("url", url).Str("table", table).Msg("using database-backed route store")
	return &DBStore{db: db, table: table}, nil
}

func sqliteDSN(url string) (string, error) {
	const prefix = "sqlite:///"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("store: unsupported database url %q (only sqlite:/// is supported)", url)
	}
	path := strings.TrimPrefix(url, prefix)
	if path == "" {
		return "", fmt.Errorf("store: empty sqlite database path in url %q", url)
	}
	return path, nil
}

func (s *DBStore) tbl() *gorm.DB { return s.db.Table(s.table) }

func (s *DBStore) Add(path string, data Data) error {
	if _, ok := data.Target(); !ok {
		return ErrNoTarget
	}
	path = canonical(path)
	withTime := data.withLastActivity(time.Now())
	encoded, err := encodeData(withTime)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing routeRow
	err = s.tbl().Where("path = ?", path).First(&existing).Error
	if err == nil {
		existing.Data = encoded
		return s.tbl().Save(&existing).Error
	}
	return s.tbl().Create(&routeRow{Path: path, Data: encoded}).Error
}

func (s *DBStore) Update(path string, patch Data) {
	path = canonical(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	var row routeRow
	if err := s.tbl().Where("path = ?", path).First(&row).Error; err != nil {
		return
	}
	existing, err := decodeData(row.Data)
	if err != nil {
		return
	}
	merged := existing.merge(patch)
	encoded, err := encodeData(merged)
	if err != nil {
		return
	}
	row.Data = encoded
	s.tbl().Save(&row)
}

func (s *DBStore) Remove(path string) (Data, bool) {
	path = canonical(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	var row routeRow
	if err := s.tbl().Where("path = ?", path).First(&row).Error; err != nil {
		return nil, false
	}
	data, err := decodeData(row.Data)
	if err != nil {
		return nil, false
	}

	// remove("/") is only permitted to clear the root's data, never to
	// delete the row itself; every other path deletes its exact row only
	// (never a root row).
	if path == "/" {
		empty, encErr := encodeData(Data{})
		if encErr == nil {
			row.Data = empty
			s.tbl().Save(&row)
		}
		return data, true
	}

	s.tbl().Where("path = ?", path).Delete(&routeRow{})
	return data, true
}

func (s *DBStore) Get(path string) (Data, bool) {
	path = canonical(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	var row routeRow
	if err := s.tbl().Where("path = ?", path).First(&row).Error; err != nil {
		return nil, false
	}
	data, err := decodeData(row.Data)
	if err != nil {
		return nil, false
	}
	return data, true
}

// GetTarget emulates the trie by generating all ancestor paths of path,
// from most to least specific, and returning the first that exists.
func (s *DBStore) GetTarget(path string) (TargetMatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, candidate := range ancestorPaths(path) {
		var row routeRow
		if err := s.tbl().Where("path = ?", candidate).First(&row).Error; err != nil {
			continue
		}
		data, err := decodeData(row.Data)
		if err != nil {
			continue
		}
		return TargetMatch{Prefix: candidate, Data: data}, true
	}
	return TargetMatch{}, false
}

// ancestorPaths yields path itself, then each progressively shorter
// prefix, ending with "/", matching dbstore.py's TableTrie._split_routes.
func ancestorPaths(path string) []string {
	path = canonical(path)
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		segments = nil
	}

	out := make([]string, 0, len(segments)+1)
	for i := len(segments); i > 0; i-- {
		out = append(out, "/"+strings.Join(segments[:i], "/"))
	}
	out = append(out, "/")
	return out
}

func (s *DBStore) GetAll() map[string]Data {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []routeRow
	s.tbl().Order("id").Find(&rows)

	out := make(map[string]Data, len(rows))
	for _, row := range rows {
		if data, err := decodeData(row.Data); err == nil {
			out[row.Path] = data
		}
	}
	return out
}

func (s *DBStore) Touch(path string) {
	s.Update(path, Data{keyLastActivity: time.Now()})
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// encodeData serializes data to JSON, encoding datetime values as
// "_dt_:<iso8601>" sentinels for dialect portability.
func encodeData(data Data) (string, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if t, ok := v.(time.Time); ok {
			out[k] = dtSentinel + t.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	buf, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("store: encode route data: %w", err)
	}
	return string(buf), nil
}

func decodeData(raw string) (Data, error) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("store: decode route data: %w", err)
	}
	out := make(Data, len(decoded))
	for k, v := range decoded {
		if s, ok := v.(string); ok && strings.HasPrefix(s, dtSentinel) {
			t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(s, dtSentinel))
			if err == nil {
				out[k] = t
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}
