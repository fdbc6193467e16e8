package journey

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stepper/model"
)

//go:embed schema_postgres.sql
var schemaPostgres string

// migrationLockID serialises concurrent Migrate calls across processes.
const migrationLockID = 0x73746570

const pgUniqueViolation = "23505"

const pgColumns = `id, journey_type, hero_type, hero_id, state,
	COALESCE(next_step_name, ''), COALESCE(paused_at_step, ''), scheduled_at,
	COALESCE(idempotency_token, ''), attempt_count, allow_multiple, params,
	COALESCE(last_error, ''), created_at, updated_at`

type pgTxKey struct{}

// PgTxFrom returns the transaction carried by ctx inside a transactional
// step body or an InTransaction callback of a PgStore.
func PgTxFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx)
	return tx, ok
}

// pgQuerier is implemented by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5. Row locks are taken
// with SELECT ... FOR UPDATE.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL journey store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the embedded schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if _, err := tx.Exec(ctx, schemaPostgres); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PgStore) querier(ctx context.Context) pgQuerier {
	if tx, ok := PgTxFrom(ctx); ok {
		return tx
	}
	return s.pool
}

// Create inserts a new journey.
func (s *PgStore) Create(ctx context.Context, j model.Journey) error {
	params, err := marshalParams(j.Params)
	if err != nil {
		return err
	}

	_, err = s.querier(ctx).Exec(ctx, `
		INSERT INTO journeys (
			id, journey_type, hero_type, hero_id, state,
			next_step_name, paused_at_step, scheduled_at, idempotency_token,
			attempt_count, allow_multiple, params, last_error,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''),
			$10, $11, $12, NULLIF($13, ''),
			$14, $15
		)`,
		j.ID, j.JourneyType, j.Hero.Type, j.Hero.ID, j.State,
		j.NextStepName, j.PausedAtStep, j.ScheduledAt, j.IdempotencyToken,
		j.AttemptCount, j.AllowMultiple, params, j.LastError,
		j.CreatedAt, j.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == "journeys_pkey" {
			return model.NewConflictError(fmt.Sprintf("journey %q already exists", j.ID))
		}
		return model.NewJourneyActiveError(j.JourneyType, j.Hero)
	}
	if err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	return nil
}

// Get retrieves a journey by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Journey, error) {
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+pgColumns+` FROM journeys WHERE id = $1`, id)
	j, err := scanPgJourney(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Journey{}, model.NewJourneyNotFoundError(id)
	}
	if err != nil {
		return model.Journey{}, fmt.Errorf("query journey: %w", err)
	}
	return j, nil
}

// WithLock locks the row with SELECT ... FOR UPDATE and runs fn. When ctx
// already carries a transaction the lock joins it and nothing is committed
// here.
func (s *PgStore) WithLock(ctx context.Context, id string, fn LockFunc) error {
	if tx, ok := PgTxFrom(ctx); ok {
		return s.lockIn(ctx, tx, id, fn)
	}
	return s.InTransaction(ctx, func(txCtx context.Context) error {
		tx, _ := PgTxFrom(txCtx)
		return s.lockIn(txCtx, tx, id, fn)
	})
}

func (s *PgStore) lockIn(ctx context.Context, tx pgx.Tx, id string, fn LockFunc) error {
	row := tx.QueryRow(ctx, `SELECT `+pgColumns+` FROM journeys WHERE id = $1 FOR UPDATE`, id)
	j, err := scanPgJourney(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewJourneyNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("lock journey: %w", err)
	}

	save, err := fn(ctx, &j)
	if err != nil || !save {
		return err
	}
	return s.update(ctx, tx, j)
}

func (s *PgStore) update(ctx context.Context, q pgQuerier, j model.Journey) error {
	params, err := marshalParams(j.Params)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE journeys SET
			state = $1,
			next_step_name = NULLIF($2, ''),
			paused_at_step = NULLIF($3, ''),
			scheduled_at = $4,
			idempotency_token = NULLIF($5, ''),
			attempt_count = $6,
			params = $7,
			last_error = NULLIF($8, ''),
			updated_at = $9
		WHERE id = $10`,
		j.State, j.NextStepName, j.PausedAtStep, j.ScheduledAt, j.IdempotencyToken,
		j.AttemptCount, params, j.LastError, j.UpdatedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update journey: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewJourneyNotFoundError(j.ID)
	}
	return nil
}

// InTransaction runs fn in a transaction carried by the callback context.
// Nested calls join the outer transaction.
func (s *PgStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := PgTxFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, pgTxKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindActiveForHero returns the hero's non-terminal journeys of the given type.
func (s *PgStore) FindActiveForHero(ctx context.Context, hero model.Hero, journeyType string) ([]model.Journey, error) {
	return s.queryJourneys(ctx, `
		SELECT `+pgColumns+` FROM journeys
		WHERE hero_type = $1 AND hero_id = $2 AND journey_type = $3
		  AND state IN ('ready', 'performing', 'sleeping', 'paused')
		ORDER BY created_at ASC, id ASC`,
		hero.Type, hero.ID, journeyType,
	)
}

// List returns one page of journeys matching the filters.
func (s *PgStore) List(ctx context.Context, f model.JourneyFilters) ([]model.Journey, int, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
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
	if err := s.querier(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM journeys`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count journeys: %w", err)
	}

	query := `SELECT ` + pgColumns + ` FROM journeys` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	items, err := s.queryJourneys(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// FindDue returns ready or sleeping journeys scheduled at or before cutoff.
func (s *PgStore) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.Journey, error) {
	return s.queryJourneys(ctx, `
		SELECT `+pgColumns+` FROM journeys
		WHERE state IN ('ready', 'sleeping') AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`,
		cutoff, limitOrAll(limit),
	)
}

// FindStalled returns performing journeys last updated before cutoff.
func (s *PgStore) FindStalled(ctx context.Context, cutoff time.Time, limit int) ([]model.Journey, error) {
	return s.queryJourneys(ctx, `
		SELECT `+pgColumns+` FROM journeys
		WHERE state = 'performing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		cutoff, limitOrAll(limit),
	)
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryJourneys(ctx context.Context, sql string, args ...any) ([]model.Journey, error) {
	rows, err := s.querier(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query journeys: %w", err)
	}
	defer rows.Close()

	out := make([]model.Journey, 0)
	for rows.Next() {
		j, err := scanPgJourney(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journey: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanPgJourney(row pgx.Row) (model.Journey, error) {
	var j model.Journey
	var params []byte
	var scheduledAt *time.Time
	err := row.Scan(
		&j.ID, &j.JourneyType, &j.Hero.Type, &j.Hero.ID, &j.State,
		&j.NextStepName, &j.PausedAtStep, &scheduledAt,
		&j.IdempotencyToken, &j.AttemptCount, &j.AllowMultiple, &params,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return model.Journey{}, err
	}
	if scheduledAt != nil {
		t := scheduledAt.UTC()
		j.ScheduledAt = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if err := unmarshalParams(params, &j); err != nil {
		return model.Journey{}, err
	}
	return j, nil
}

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}

func unmarshalParams(data []byte, j *model.Journey) error {
	if len(data) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	if len(params) > 0 {
		j.Params = params
	}
	return nil
}

// limitOrAll maps a non-positive limit to a bound that returns every row.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
