package journey

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pitabwire/stepper/model"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

// sqliteTimeLayout is fixed width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteColumns = `id, journey_type, hero_type, hero_id, state,
	COALESCE(next_step_name, ''), COALESCE(paused_at_step, ''), scheduled_at,
	COALESCE(idempotency_token, ''), attempt_count, allow_multiple, params,
	COALESCE(last_error, ''), created_at, updated_at`

type sqlTxKey struct{}

// SQLTxFrom returns the transaction carried by ctx inside a transactional
// step body or an InTransaction callback of a SQLiteStore.
func SQLTxFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx)
	return tx, ok
}

// sqlQuerier is implemented by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens a SQLite database at path for use with SQLiteStore.
// Transactions start with BEGIN IMMEDIATE so writers serialise on the
// database lock and a locked read is never upgraded under contention.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// SQLiteStore is a SQLite-backed Store. SQLite has no row locks; every
// WithLock runs in an immediate transaction which holds the database write
// lock for its duration.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite journey store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate applies the embedded schema in one transaction.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitSQLStatements(schemaSQLite) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) querier(ctx context.Context) sqlQuerier {
	if tx, ok := SQLTxFrom(ctx); ok {
		return tx
	}
	return s.db
}

// Create inserts a new journey.
func (s *SQLiteStore) Create(ctx context.Context, j model.Journey) error {
	params, err := marshalParams(j.Params)
	if err != nil {
		return err
	}

	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO journeys (
			id, journey_type, hero_type, hero_id, state,
			next_step_name, paused_at_step, scheduled_at, idempotency_token,
			attempt_count, allow_multiple, params, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		j.ID, j.JourneyType, j.Hero.Type, j.Hero.ID, j.State,
		j.NextStepName, j.PausedAtStep, formatNullTime(j.ScheduledAt), j.IdempotencyToken,
		j.AttemptCount, j.AllowMultiple, string(params), j.LastError,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey:
			return model.NewConflictError(fmt.Sprintf("journey %q already exists", j.ID))
		case sqlite3.ErrConstraintUnique:
			return model.NewJourneyActiveError(j.JourneyType, j.Hero)
		}
	}
	if err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	return nil
}

// Get retrieves a journey by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Journey, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM journeys WHERE id = ?`, id)
	j, err := scanSQLiteJourney(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Journey{}, model.NewJourneyNotFoundError(id)
	}
	if err != nil {
		return model.Journey{}, fmt.Errorf("query journey: %w", err)
	}
	return j, nil
}

// WithLock loads the journey inside an immediate transaction and runs fn.
func (s *SQLiteStore) WithLock(ctx context.Context, id string, fn LockFunc) error {
	return s.InTransaction(ctx, func(txCtx context.Context) error {
		tx, _ := SQLTxFrom(txCtx)
		row := tx.QueryRowContext(txCtx, `SELECT `+sqliteColumns+` FROM journeys WHERE id = ?`, id)
		j, err := scanSQLiteJourney(row)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewJourneyNotFoundError(id)
		}
		if err != nil {
			return fmt.Errorf("lock journey: %w", err)
		}

		save, err := fn(txCtx, &j)
		if err != nil || !save {
			return err
		}
		return s.update(txCtx, tx, j)
	})
}

func (s *SQLiteStore) update(ctx context.Context, q sqlQuerier, j model.Journey) error {
	params, err := marshalParams(j.Params)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE journeys SET
			state = ?,
			next_step_name = NULLIF(?, ''),
			paused_at_step = NULLIF(?, ''),
			scheduled_at = ?,
			idempotency_token = NULLIF(?, ''),
			attempt_count = ?,
			params = ?,
			last_error = NULLIF(?, ''),
			updated_at = ?
		WHERE id = ?`,
		j.State, j.NextStepName, j.PausedAtStep, formatNullTime(j.ScheduledAt), j.IdempotencyToken,
		j.AttemptCount, string(params), j.LastError, formatTime(j.UpdatedAt), j.ID,
	)
	if err != nil {
		return fmt.Errorf("update journey: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.NewJourneyNotFoundError(j.ID)
	}
	return nil
}

// InTransaction runs fn in a transaction carried by the callback context.
// Nested calls join the outer transaction.
func (s *SQLiteStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := SQLTxFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, sqlTxKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindActiveForHero returns the hero's non-terminal journeys of the given type.
func (s *SQLiteStore) FindActiveForHero(ctx context.Context, hero model.Hero, journeyType string) ([]model.Journey, error) {
	return s.queryJourneys(ctx, `
		SELECT `+sqliteColumns+` FROM journeys
		WHERE hero_type = ? AND hero_id = ? AND journey_type = ?
		  AND state IN ('ready', 'performing', 'sleeping', 'paused')
		ORDER BY created_at ASC, id ASC`,
		hero.Type, hero.ID, journeyType,
	)
}

// List returns one page of journeys matching the filters.
func (s *SQLiteStore) List(ctx context.Context, f model.JourneyFilters) ([]model.Journey, int, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		conds = append(conds, col+" = ?")
		args = append(args, val)
	}
	add("journey_type", f.JourneyType)
	add("state", f.State)
	add("hero_type", f.HeroType)
	add("hero_id", f.HeroID)

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.querier(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM journeys`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count journeys: %w", err)
	}

	query := `SELECT ` + sqliteColumns + ` FROM journeys` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrAll(f.Limit), max(f.Offset, 0))

	items, err := s.queryJourneys(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// FindDue returns ready or sleeping journeys scheduled at or before cutoff.
func (s *SQLiteStore) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.Journey, error) {
	return s.queryJourneys(ctx, `
		SELECT `+sqliteColumns+` FROM journeys
		WHERE state IN ('ready', 'sleeping') AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?`,
		formatTime(cutoff), limitOrAll(limit),
	)
}

// FindStalled returns performing journeys last updated before cutoff.
func (s *SQLiteStore) FindStalled(ctx context.Context, cutoff time.Time, limit int) ([]model.Journey, error) {
	return s.queryJourneys(ctx, `
		SELECT `+sqliteColumns+` FROM journeys
		WHERE state = 'performing' AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		formatTime(cutoff), limitOrAll(limit),
	)
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) queryJourneys(ctx context.Context, query string, args ...any) ([]model.Journey, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journeys: %w", err)
	}
	defer rows.Close()

	out := make([]model.Journey, 0)
	for rows.Next() {
		j, err := scanSQLiteJourney(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journey: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJourney(row rowScanner) (model.Journey, error) {
	var j model.Journey
	var params string
	var scheduledAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&j.ID, &j.JourneyType, &j.Hero.Type, &j.Hero.ID, &j.State,
		&j.NextStepName, &j.PausedAtStep, &scheduledAt,
		&j.IdempotencyToken, &j.AttemptCount, &j.AllowMultiple, &params,
		&j.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Journey{}, err
	}

	if scheduledAt.Valid {
		t, err := parseTime(scheduledAt.String)
		if err != nil {
			return model.Journey{}, err
		}
		j.ScheduledAt = &t
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Journey{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Journey{}, err
	}
	if err := unmarshalParams([]byte(params), &j); err != nil {
		return model.Journey{}, err
	}
	return j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// splitSQLStatements splits a schema script on semicolons, dropping comment
// lines and empty statements.
func splitSQLStatements(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var stmts []string
	for _, part := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
