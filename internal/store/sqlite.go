package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/igprov/internal/model"

	_ "modernc.org/sqlite"
)

const createTransitionsTable = `
CREATE TABLE IF NOT EXISTS transitions (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    boot_id          TEXT NOT NULL,
    seq              INTEGER NOT NULL,
    status           INTEGER NOT NULL,
    core_provisioned INTEGER NOT NULL,
    edge_provisioned INTEGER NOT NULL,
    operation_id     TEXT NOT NULL,
    backend          TEXT NOT NULL,
    source           TEXT NOT NULL,
    at               DATETIME NOT NULL
)`

const transitionColumns = `boot_id, seq, status, core_provisioned, edge_provisioned,
	operation_id, backend, source, at`

// ErrNotFound is returned when no transition has been recorded.
var ErrNotFound = errors.New("transition not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	retain int
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// When retain is positive, inserts prune all but the newest retain rows.
func NewSQLiteStore(dbPath string, retain int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTransitionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transitions table: %w", err)
	}

	return &SQLiteStore{db: db, retain: retain}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertTransition appends a transition and prunes old rows.
func (s *SQLiteStore) InsertTransition(ctx context.Context, t model.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BootID, t.Seq, int(t.Status), t.CoreProvisioned, t.EdgeProvisioned,
		t.OperationID, string(t.Backend), t.Source, t.At.UTC(),
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if s.retain > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM transitions WHERE id NOT IN (
				SELECT id FROM transitions ORDER BY id DESC LIMIT ?
			)`, s.retain,
		); err != nil {
			return fmt.Errorf("prune transitions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// ListTransitions returns a page of transitions, newest first, along with
// the total number of stored transitions.
func (s *SQLiteStore) ListTransitions(ctx context.Context, limit, offset int) ([]model.Transition, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM transitions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transitions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM transitions ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []model.Transition{}
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, 0, err
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transitions: %w", err)
	}

	return transitions, total, nil
}

// LatestTransition returns the most recently stored transition.
func (s *SQLiteStore) LatestTransition(ctx context.Context) (model.Transition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transitionColumns+` FROM transitions ORDER BY id DESC LIMIT 1`,
	)
	t, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Transition{}, ErrNotFound
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransition(sc scanner) (model.Transition, error) {
	var (
		t       model.Transition
		status  int
		backend string
	)
	err := sc.Scan(
		&t.BootID, &t.Seq, &status, &t.CoreProvisioned, &t.EdgeProvisioned,
		&t.OperationID, &backend, &t.Source, &t.At,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Transition{}, err
	}
	if err != nil {
		return model.Transition{}, fmt.Errorf("scan transition: %w", err)
	}
	t.Status = model.Status(status)
	t.StatusName = t.Status.String()
	t.Backend = model.BackendKind(backend)
	return t, nil
}
