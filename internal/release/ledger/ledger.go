// Package ledger persists release state transitions per version in a local
// sqlite database, so the release workflow can refuse out-of-order steps
// across separate invocations.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/spachava753/stagehand/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Ledger records release states and their history.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path and applies pending
// migrations.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// A single connection keeps transactions serialised on one file handle.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading ledger migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close db as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating ledger: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug("ledger migration", "detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrateLogger) Verbose() bool { return false }

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// State returns the recorded state of version. A version never seen is
// untagged.
func (l *Ledger) State(ctx context.Context, version string) (models.ReleaseState, error) {
	return state(ctx, l.db, version)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func state(ctx context.Context, q querier, version string) (models.ReleaseState, error) {
	var s string
	err := q.QueryRowContext(ctx, `SELECT state FROM releases WHERE version = ?`, version).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReleaseUntagged, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading release state for %s: %w", version, err)
	}
	return models.ReleaseState(s), nil
}

// Require fails with ExitReleaseOutOfOrder unless version may move to next
// from its recorded state. It records nothing.
func (l *Ledger) Require(ctx context.Context, version string, next models.ReleaseState) (models.ReleaseState, error) {
	cur, err := l.State(ctx, version)
	if err != nil {
		return "", err
	}
	if !models.CanTransition(cur, next) {
		return cur, outOfOrder(version, cur, next)
	}
	return cur, nil
}

// Transition moves version to next, recording the event. Staying in the same
// state is recorded only when the state model allows it.
func (l *Ledger) Transition(ctx context.Context, version string, next models.ReleaseState) (models.ReleaseEvent, error) {
	if version == "" {
		return models.ReleaseEvent{}, errors.New("transition: empty version")
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ReleaseEvent{}, fmt.Errorf("starting ledger transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := state(ctx, tx, version)
	if err != nil {
		return models.ReleaseEvent{}, err
	}
	if !models.CanTransition(cur, next) {
		return models.ReleaseEvent{}, outOfOrder(version, cur, next)
	}

	ev := models.ReleaseEvent{
		ID:      uuid.New().String(),
		Version: version,
		From:    cur,
		To:      next,
		At:      l.now().UTC(),
	}
	at := ev.At.Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO releases (version, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		version, string(next), at); err != nil {
		return models.ReleaseEvent{}, fmt.Errorf("recording release state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO release_events (id, version, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, version, string(cur), string(next), at); err != nil {
		return models.ReleaseEvent{}, fmt.Errorf("recording release event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.ReleaseEvent{}, fmt.Errorf("committing release transition: %w", err)
	}
	return ev, nil
}

// History returns every recorded transition of version, oldest first.
func (l *Ledger) History(ctx context.Context, version string) ([]models.ReleaseEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, version, from_state, to_state, at FROM release_events
		WHERE version = ? ORDER BY at, rowid`, version)
	if err != nil {
		return nil, fmt.Errorf("reading release history: %w", err)
	}
	defer rows.Close()

	var events []models.ReleaseEvent
	for rows.Next() {
		var (
			ev       models.ReleaseEvent
			from, to string
			at       string
		)
		if err := rows.Scan(&ev.ID, &ev.Version, &from, &to, &at); err != nil {
			return nil, fmt.Errorf("scanning release event: %w", err)
		}
		ev.From, ev.To = models.ReleaseState(from), models.ReleaseState(to)
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parsing event time %q: %w", at, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func outOfOrder(version string, cur, next models.ReleaseState) error {
	var allowed []string
	for _, s := range models.RequiredFor(next) {
		allowed = append(allowed, string(s))
	}
	return &models.PreconditionError{
		Gate: "release",
		Code: models.ExitReleaseOutOfOrder,
		Msg:  fmt.Sprintf("%s is %s and cannot become %s", version, cur, next),
		Hint: "requires one of: " + strings.Join(allowed, ", "),
	}
}
