// Package checkpoint persists parameter sets and learning-curve datapoints
// in a SQLite database.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"distributed-ppo-rl/internal/params"
)

var (
	ErrNotFound     = errors.New("checkpoint: not found")
	ErrIncompatible = errors.New("checkpoint: parameters do not match model")
)

// Info describes a stored checkpoint.
type Info struct {
	ID        string
	RunID     string
	Name      string
	Update    int
	Step      int64
	CreatedAt time.Time
}

// Datapoint is one point of the learning curve.
type Datapoint struct {
	Step       int64   `json:"step"`
	RewardMean float64 `json:"rewardMean"`
}

type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
}

// Open opens or creates the database at path. Checkpoints and datapoints
// written through the store are tagged with runID; an empty runID gets a
// fresh one.
func Open(path, runID string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if runID == "" {
		runID = uuid.NewString()
	}

	s := &Store{db: db, runID: runID}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			update_num INTEGER NOT NULL,
			step INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS params (
			checkpoint_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			name TEXT NOT NULL,
			shape_json TEXT NOT NULL,
			data BLOB,
			PRIMARY KEY (checkpoint_id, idx),
			FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(checkpoint_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS datapoints (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			reward_mean REAL NOT NULL,
			PRIMARY KEY (run_id, step)
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_name ON checkpoints(name);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) RunID() string {
	return s.runID
}

// Save writes every parameter of set, in order, under a new checkpoint.
func (s *Store) Save(ctx context.Context, name string, update int, step int64, set *params.Set) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        uuid.NewString(),
		RunID:     s.runID,
		Name:      name,
		Update:    update,
		Step:      step,
		CreatedAt: time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Info{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, name, update_num, step, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.RunID, info.Name, info.Update, info.Step, info.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Info{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	for i, p := range set.List() {
		shapeJSON, err := json.Marshal(p.Shape)
		if err != nil {
			return Info{}, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO params (checkpoint_id, idx, name, shape_json, data)
			VALUES (?, ?, ?, ?, ?)`,
			info.ID, i, p.Name, string(shapeJSON), params.EncodeFloats(p.Value),
		)
		if err != nil {
			return Info{}, fmt.Errorf("failed to insert param %s: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// LoadLatest restores set from the most recent checkpoint in the database,
// whichever run wrote it. The stored parameters must match set in count,
// order, name and size.
func (s *Store) LoadLatest(ctx context.Context, set *params.Set) (Info, error) {
	return s.load(ctx, `
		SELECT checkpoint_id, run_id, name, update_num, step, created_at
		FROM checkpoints ORDER BY created_at DESC, rowid DESC LIMIT 1`, set)
}

// LoadNamed restores set from the most recent checkpoint saved under name.
func (s *Store) LoadNamed(ctx context.Context, name string, set *params.Set) (Info, error) {
	return s.load(ctx, `
		SELECT checkpoint_id, run_id, name, update_num, step, created_at
		FROM checkpoints WHERE name = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, set, name)
}

func (s *Store) load(ctx context.Context, query string, set *params.Set, args ...any) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info Info
	var created int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&info.ID, &info.RunID, &info.Name, &info.Update, &info.Step, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	info.CreatedAt = time.Unix(0, created)

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, data FROM params WHERE checkpoint_id = ? ORDER BY idx`, info.ID)
	if err != nil {
		return Info{}, fmt.Errorf("failed to query params: %w", err)
	}
	defer rows.Close()

	var values [][]float64
	list := set.List()
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return Info{}, err
		}
		i := len(values)
		if i >= len(list) {
			return Info{}, fmt.Errorf("%w: checkpoint has more than %d params", ErrIncompatible, len(list))
		}
		v, err := params.DecodeFloats(data)
		if err != nil {
			return Info{}, fmt.Errorf("%w: param %d: %v", ErrIncompatible, i, err)
		}
		if name != list[i].Name || len(v) != list[i].Len() {
			return Info{}, fmt.Errorf("%w: param %d is %s[%d], model has %s[%d]",
				ErrIncompatible, i, name, len(v), list[i].Name, list[i].Len())
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return Info{}, err
	}
	if len(values) != len(list) {
		return Info{}, fmt.Errorf("%w: checkpoint has %d params, model has %d", ErrIncompatible, len(values), len(list))
	}

	for i, p := range list {
		copy(p.Value, values[i])
	}
	return info, nil
}

// AppendDatapoint records the mean episode reward at step for this run.
func (s *Store) AppendDatapoint(ctx context.Context, step int64, rewardMean float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO datapoints (run_id, step, reward_mean) VALUES (?, ?, ?)`,
		s.runID, step, rewardMean,
	)
	if err != nil {
		return fmt.Errorf("failed to insert datapoint: %w", err)
	}
	return nil
}

// Datapoints returns the learning curve of runID ordered by step. An empty
// runID selects the store's own run.
func (s *Store) Datapoints(ctx context.Context, runID string) ([]Datapoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runID == "" {
		runID = s.runID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, reward_mean FROM datapoints WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query datapoints: %w", err)
	}
	defer rows.Close()

	var points []Datapoint
	for rows.Next() {
		var d Datapoint
		if err := rows.Scan(&d.Step, &d.RewardMean); err != nil {
			return nil, err
		}
		points = append(points, d)
	}
	return points, rows.Err()
}

// LatestRunID returns the run that wrote the most recent checkpoint.
func (s *Store) LatestRunID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM checkpoints ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return runID, err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
