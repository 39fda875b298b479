// Package learning persists query outcomes and feeds them back into intent
// matching and confidence scoring.
package learning

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"sorgu/internal/qerror"
)

// similarityFloor is the minimum cosine similarity for a stored prompt to
// count as a neighbor.
const similarityFloor = 0.3

// scanWindow bounds how many recent records a similarity scan loads per
// database.
const scanWindow = 2000

// Record is one remembered query outcome. Records are append-only; a
// repeated prompt adds a new row rather than mutating history.
type Record struct {
	ID         string
	DatabaseID string
	Question   string
	Words      []string
	Table      string
	SQL        string
	Confidence float64
	Success    bool
	CreatedAt  time.Time
}

// Neighbor is a stored record with its similarity to a probe prompt.
type Neighbor struct {
	Record     Record
	Similarity float64
}

// Stats summarizes one database's learning history.
type Stats struct {
	Total       int     `json:"total"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	Tables      int     `json:"tables"`
}

// Store is the persistence surface. SQLiteStore implements it for real use
// and MemoryStore for tests.
type Store interface {
	Add(ctx context.Context, rec Record) error
	Similar(ctx context.Context, databaseID string, words []string, limit int) ([]Neighbor, error)
	Stats(ctx context.Context, databaseID string) (Stats, error)
	Boost(databaseID string, words []string, table string) float64
	Close() error
}

// SQLiteStore keeps outcomes in a single-file SQLite database. One writer
// at a time; WAL keeps readers unblocked.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writes
	logger *slog.Logger
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS outcomes (
	id          TEXT PRIMARY KEY,
	database_id TEXT NOT NULL,
	question    TEXT NOT NULL,
	words       TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	sql_text    TEXT NOT NULL,
	confidence  REAL NOT NULL,
	success     INTEGER NOT NULL,
	embedding   BLOB NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_db ON outcomes(database_id, created_at DESC);
`

func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, qerror.Wrap(qerror.KindExecutionError, "open learning store", err)
	}
	// A second writer on the same file deadlocks WAL checkpoints.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, qerror.Wrap(qerror.KindExecutionError, "initialize learning store", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	emb := encodeVec(Embed(rec.Words))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (id, database_id, question, words, table_name, sql_text, confidence, success, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DatabaseID, rec.Question, strings.Join(rec.Words, " "),
		rec.Table, rec.SQL, rec.Confidence, boolInt(rec.Success), emb,
		rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return qerror.Wrap(qerror.KindExecutionError, "record outcome", err)
	}
	s.logger.Debug("outcome recorded",
		slog.String("database", rec.DatabaseID),
		slog.String("table", rec.Table),
		slog.Bool("success", rec.Success))
	return nil
}

// Similar returns stored prompts ordered by cosine similarity, best first,
// dropping anything under the similarity floor.
func (s *SQLiteStore) Similar(ctx context.Context, databaseID string, words []string, limit int) ([]Neighbor, error) {
	probe := Embed(words)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, database_id, question, words, table_name, sql_text, confidence, success, embedding, created_at
		FROM outcomes WHERE database_id = ?
		ORDER BY created_at DESC LIMIT ?`, databaseID, scanWindow)
	if err != nil {
		return nil, qerror.Wrap(qerror.KindExecutionError, "scan learning store", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var rec Record
		var wordsJoined, created string
		var success int
		var emb []byte
		if err := rows.Scan(&rec.ID, &rec.DatabaseID, &rec.Question, &wordsJoined,
			&rec.Table, &rec.SQL, &rec.Confidence, &success, &emb, &created); err != nil {
			return nil, qerror.Wrap(qerror.KindExecutionError, "scan learning store", err)
		}
		rec.Words = strings.Fields(wordsJoined)
		rec.Success = success == 1
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

		sim := Cosine(probe, decodeVec(emb))
		if sim < similarityFloor {
			continue
		}
		out = append(out, Neighbor{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, qerror.Wrap(qerror.KindExecutionError, "scan learning store", err)
	}
	sortNeighbors(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, databaseID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0), COUNT(DISTINCT table_name)
		FROM outcomes WHERE database_id = ?`, databaseID).
		Scan(&st.Total, &st.Successes, &st.Tables)
	if err != nil {
		return Stats{}, qerror.Wrap(qerror.KindExecutionError, "learning stats", err)
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Total)
	}
	return st, nil
}

// Boost implements the matcher's learned index: the similarity-weighted
// success rate of neighbors that routed to the same table, scaled to a
// small additive bonus.
func (s *SQLiteStore) Boost(databaseID string, words []string, table string) float64 {
	neighbors, err := s.Similar(context.Background(), databaseID, words, 20)
	if err != nil {
		s.logger.Warn("history lookup failed", slog.String("database", databaseID))
		return 0
	}
	return boostFrom(neighbors, table)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// boostFrom is shared by both store implementations.
func boostFrom(neighbors []Neighbor, table string) float64 {
	var weight, hit float64
	for _, n := range neighbors {
		if !strings.EqualFold(n.Record.Table, table) {
			continue
		}
		weight += n.Similarity
		if n.Record.Success {
			hit += n.Similarity
		}
	}
	if weight == 0 {
		return 0
	}
	// Full boost needs both agreement and volume; a single neighbor gets
	// half strength.
	volume := math.Min(weight/2, 1)
	return 0.15 * (hit / weight) * volume
}

func sortNeighbors(ns []Neighbor) {
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].Similarity > ns[j].Similarity })
}

func encodeVec(v []float32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func decodeVec(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
