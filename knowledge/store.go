// Package knowledge implements the persistent, scored store of code
// patterns, problem solutions and user preferences that agents consult and
// update as they work.
//
// Records are append-only. Their scores are running means of binary
// outcome observations, updated with a per-record compare-and-swap so that
// concurrent updates of one record lose no observation and updates of
// different records never wait on each other.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/agentforge/errors"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultLimit = 10
	timeLayout   = time.RFC3339Nano
)

// Pattern is a reusable code fragment with an outcome score.
type Pattern struct {
	ID          int64          `json:"id"`
	PatternType string         `json:"pattern_type"`
	Code        string         `json:"code"`
	Description string         `json:"description"`
	Context     string         `json:"context,omitempty"`
	UsageCount  int            `json:"usage_count"`
	SuccessRate float64        `json:"success_rate"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Solution is a problem/solution pair keyed by problem type.
type Solution struct {
	ID                 int64          `json:"id"`
	ProblemType        string         `json:"problem_type"`
	Solution           string         `json:"solution"`
	Description        string         `json:"description"`
	EffectivenessScore float64        `json:"effectiveness_score"`
	UsageCount         int            `json:"usage_count"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type Preference struct {
	ID             int64          `json:"id"`
	PreferenceType string         `json:"preference_type"`
	Value          string         `json:"value"`
	Confidence     float64        `json:"confidence"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Stats holds aggregate counts of the store.
type Stats struct {
	Patterns           int     `json:"patterns"`
	Solutions          int     `json:"solutions"`
	Preferences        int     `json:"preferences"`
	AverageSuccessRate float64 `json:"average_success_rate"`
}

// Config selects the database. DataDir is used by sqlite, DSN by postgres.
type Config struct {
	Driver  string
	DSN     string
	DataDir string
}

// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database and creates the schema when
// missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, errors.Mark(err, errors.ErrStorageUnavailable, "create data dir")
		}
		db, err = openDB("sqlite", sqliteDSN(filepath.Join(cfg.DataDir, "knowledge.db")))
		cfg.Driver = DriverSQLite
	case DriverPostgres:
		db, err = openDB("postgres", cfg.DSN)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "unknown knowledge driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "open %s database", cfg.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "ping %s database", cfg.Driver)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "migration")
	}
	return s, nil
}

// sqliteDSN puts the pragmas in the DSN so every pooled connection gets them.
func sqliteDSN(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"synchronous(NORMAL)",
	}
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	realCol := "REAL"
	if s.driver == DriverPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
		realCol = "DOUBLE PRECISION"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS code_patterns (
			id           ` + idCol + `,
			pattern_type TEXT    NOT NULL,
			code         TEXT    NOT NULL,
			description  TEXT    NOT NULL,
			context      TEXT    NOT NULL DEFAULT '',
			usage_count  INTEGER NOT NULL DEFAULT 0,
			success_rate ` + realCol + ` NOT NULL DEFAULT 1.0,
			metadata     TEXT    NOT NULL DEFAULT '{}',
			created_at   TEXT    NOT NULL,
			updated_at   TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_type ON code_patterns(pattern_type)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_rate ON code_patterns(success_rate)`,
		`CREATE TABLE IF NOT EXISTS problem_solutions (
			id                  ` + idCol + `,
			problem_type        TEXT    NOT NULL,
			solution            TEXT    NOT NULL,
			description         TEXT    NOT NULL,
			effectiveness_score ` + realCol + ` NOT NULL DEFAULT 1.0,
			usage_count         INTEGER NOT NULL DEFAULT 0,
			metadata            TEXT    NOT NULL DEFAULT '{}',
			created_at          TEXT    NOT NULL,
			updated_at          TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_solutions_type ON problem_solutions(problem_type)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			id              ` + idCol + `,
			preference_type TEXT NOT NULL,
			value           TEXT NOT NULL,
			confidence      ` + realCol + ` NOT NULL DEFAULT 1.0,
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_preferences_type ON user_preferences(preference_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q adapts a query written with ? placeholders to the active driver.
func (s *Store) q(query string) string {
	if s.driver == DriverPostgres {
		return rebind(query)
	}
	return query
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// Stats counts the records of each collection.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var avg sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM code_patterns),
		(SELECT COUNT(*) FROM problem_solutions),
		(SELECT COUNT(*) FROM user_preferences),
		(SELECT AVG(success_rate) FROM code_patterns)`)
	if err := row.Scan(&st.Patterns, &st.Solutions, &st.Preferences, &avg); err != nil {
		return Stats{}, errors.Mark(err, errors.ErrStorageUnavailable, "stats")
	}
	st.AverageSuccessRate = avg.Float64
	return st, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrapf(err, "encode metadata")
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// runningMean folds one binary observation into a mean over count samples.
func runningMean(mean float64, count int, success bool) float64 {
	obs := 0.0
	if success {
		obs = 1.0
	}
	return (mean*float64(count) + obs) / float64(count+1)
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}
