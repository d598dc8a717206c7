// Package reconcile periodically forces the local tables back into
// agreement with the upstream: snapshot upserts, dangling-reference
// resolution, stale-row sweeps, and the GraphQL-fed war table.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pnwsync/pnwsync/pkg/metrics"
	"github.com/pnwsync/pnwsync/pkg/models"
)

// maxQueryParams is the Postgres wire-protocol parameter cap; batch sizes
// derive from it.
const maxQueryParams = 32767

// foreign_key_violation
const fkViolationCode = "23503"

// DB is the slice of pgxpool.Pool the reconciler needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// executor is the write surface shared by the pool and a transaction.
// Begin opens a savepoint when the executor already is a transaction.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// API fetches upstream record sets.
type API interface {
	Snapshot(ctx context.Context, kind models.Kind) ([]json.RawMessage, error)
	FetchAll(ctx context.Context, kind models.Kind, ids []int64) ([]json.RawMessage, error)
}

// AccountApplier overlays account rows onto nations; satisfied by the
// store.
type AccountApplier interface {
	ApplyAccount(ctx context.Context, acct *models.Account) error
}

// Reconciler runs full-table syncs in dependency order.
type Reconciler struct {
	db       DB
	api      API
	accounts AccountApplier
	logger   *slog.Logger

	citiesDelay time.Duration

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a reconciler. citiesDelay defers the city pass after the
// nation pass.
func New(db DB, api API, accounts AccountApplier, citiesDelay time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:          db,
		api:         api,
		accounts:    accounts,
		logger:      logger,
		citiesDelay: citiesDelay,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Run executes one full reconciliation: alliances, positions, nations and
// accounts; then, after the configured delay, cities; finally wars from
// the GraphQL listing.
func (r *Reconciler) Run(ctx context.Context) error {
	for _, kind := range []models.Kind{models.KindAlliance, models.KindAlliancePosition, models.KindNation} {
		if err := r.SyncKind(ctx, kind); err != nil {
			return err
		}
	}
	if err := r.SyncAccounts(ctx); err != nil {
		return err
	}

	if r.citiesDelay > 0 {
		r.logger.Info("Deferring city pass", "delay", r.citiesDelay)
		if err := r.sleep(ctx, r.citiesDelay); err != nil {
			return err
		}
	}
	if err := r.SyncKind(ctx, models.KindCity); err != nil {
		return err
	}
	return r.SyncWars(ctx)
}

// SyncKind reconciles one snapshot-backed table: upserts every snapshot
// row and deletes rows absent from the snapshot.
func (r *Reconciler) SyncKind(ctx context.Context, kind models.Kind) error {
	start := time.Now()
	raws, err := r.api.Snapshot(ctx, kind)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("reconciling %s: %w", kind, err)
	}

	records := r.decodeAll(kind, raws)
	records, err = r.resolveRefs(ctx, kind, records)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("reconciling %s: %w", kind, err)
	}
	deleted, err := r.applyInTx(ctx, kind, records)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("reconciling %s: %w", kind, err)
	}

	metrics.ReconcileRuns.WithLabelValues(string(kind), "ok").Inc()
	r.logger.Info("Reconciled table",
		"kind", kind, "rows", len(records), "deleted", deleted,
		"duration", time.Since(start))
	return nil
}

// applyInTx commits the upserts and the stale sweep of one kind as a
// single transaction.
func (r *Reconciler) applyInTx(ctx context.Context, kind models.Kind, records []models.Record) (int64, error) {
	if len(records) == 0 {
		return r.deleteStale(ctx, r.db, kind, records)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.upsertAll(ctx, tx, records); err != nil {
		return 0, err
	}
	deleted, err := r.deleteStale(ctx, tx, kind, records)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return deleted, nil
}

// SyncWars reconciles the war table from the paginated GraphQL listing;
// wars have no snapshot or push channel.
func (r *Reconciler) SyncWars(ctx context.Context) error {
	start := time.Now()
	raws, err := r.api.FetchAll(ctx, models.KindWar, nil)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(string(models.KindWar), "error").Inc()
		return fmt.Errorf("reconciling war: %w", err)
	}

	records := r.decodeAll(models.KindWar, raws)
	deleted, err := r.applyInTx(ctx, models.KindWar, records)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(string(models.KindWar), "error").Inc()
		return fmt.Errorf("reconciling war: %w", err)
	}

	metrics.ReconcileRuns.WithLabelValues(string(models.KindWar), "ok").Inc()
	r.logger.Info("Reconciled table",
		"kind", models.KindWar, "rows", len(records), "deleted", deleted,
		"duration", time.Since(start))
	return nil
}

// SyncAccounts projects the account snapshot onto existing nation rows.
func (r *Reconciler) SyncAccounts(ctx context.Context) error {
	start := time.Now()
	raws, err := r.api.Snapshot(ctx, models.KindAccount)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(string(models.KindAccount), "error").Inc()
		return fmt.Errorf("reconciling accounts: %w", err)
	}

	applied := 0
	for _, raw := range raws {
		var acct models.Account
		if err := json.Unmarshal(raw, &acct); err != nil {
			r.logger.Warn("Dropping invalid snapshot record", "kind", models.KindAccount, "error", err)
			continue
		}
		if err := r.accounts.ApplyAccount(ctx, &acct); err != nil {
			r.logger.Warn("Account overlay failed", "id", int64(acct.ID), "error", err)
			continue
		}
		applied++
	}

	metrics.ReconcileRuns.WithLabelValues(string(models.KindAccount), "ok").Inc()
	r.logger.Info("Reconciled accounts",
		"rows", applied, "total", len(raws), "duration", time.Since(start))
	return nil
}

func (r *Reconciler) decodeAll(kind models.Kind, raws []json.RawMessage) []models.Record {
	records := make([]models.Record, 0, len(raws))
	for _, raw := range raws {
		decoded, err := models.Decode(kind, raw)
		if err != nil {
			r.logger.Warn("Dropping invalid snapshot record", "kind", kind, "error", err)
			continue
		}
		records = append(records, decoded.(models.Record))
	}
	return records
}

// resolveRefs validates every reference against the parent tables synced
// earlier in the pass: rows with a missing required parent are dropped,
// missing nullable parents are nulled.
func (r *Reconciler) resolveRefs(ctx context.Context, kind models.Kind, records []models.Record) ([]models.Record, error) {
	prototype, err := models.New(kind)
	if err != nil {
		return nil, err
	}
	parentTables := map[string]struct{}{}
	for _, ref := range prototype.Refs() {
		parentTables[ref.Table] = struct{}{}
	}
	if len(parentTables) == 0 {
		return records, nil
	}

	parentIDs := make(map[string]map[int64]struct{}, len(parentTables))
	for table := range parentTables {
		ids, err := r.existingIDs(ctx, table)
		if err != nil {
			return nil, err
		}
		parentIDs[table] = ids
	}

	kept := records[:0]
	for _, rec := range records {
		drop := false
		for _, ref := range rec.Refs() {
			if !ref.Valid {
				continue
			}
			if _, ok := parentIDs[ref.Table][ref.ID]; ok {
				continue
			}
			if ref.Required {
				r.logger.Warn("Dropping snapshot row with missing required parent",
					"table", rec.Table(), "id", rec.RecordID(),
					"column", ref.Column, "ref_id", ref.ID)
				drop = true
				break
			}
			r.logger.Warn("Nulling dangling snapshot reference",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			ref.Clear()
		}
		if !drop {
			kept = append(kept, rec)
		}
	}
	return kept, nil
}

func (r *Reconciler) existingIDs(ctx context.Context, table string) (map[int64]struct{}, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf("SELECT id FROM %s", table))
	if err != nil {
		return nil, fmt.Errorf("listing %s ids: %w", table, err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning %s id: %w", table, err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// upsertAll writes the records in batches sized by the parameter cap.
func (r *Reconciler) upsertAll(ctx context.Context, db executor, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	batchSize := maxQueryParams / len(models.Columns(records[0]))
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := r.upsertBatch(ctx, db, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// upsertBatch writes one batch, bisecting on reference violations until
// the offending row is isolated, then resolving it row-level: nullable
// references are nulled, rows with a bad required reference are dropped.
// Each attempt runs under a savepoint so a violation leaves the
// surrounding transaction usable.
func (r *Reconciler) upsertBatch(ctx context.Context, db executor, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	sql, args := upsertSQL(records)
	err := execInSavepoint(ctx, db, sql, args)
	if err == nil {
		return nil
	}
	pgErr, ok := asFKViolation(err)
	if !ok {
		return fmt.Errorf("upserting %s batch of %d: %w", records[0].Table(), len(records), err)
	}

	if len(records) > 1 {
		mid := len(records) / 2
		if err := r.upsertBatch(ctx, db, records[:mid]); err != nil {
			return err
		}
		return r.upsertBatch(ctx, db, records[mid:])
	}

	// Single offending row.
	rec := records[0]
	for _, ref := range rec.Refs() {
		if pgErr.ConstraintName != fmt.Sprintf("%s_%s_fkey", rec.Table(), ref.Column) {
			continue
		}
		if ref.Required {
			r.logger.Warn("Dropping snapshot row with missing required parent",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			return nil
		}
		r.logger.Warn("Nulling dangling snapshot reference",
			"table", rec.Table(), "id", rec.RecordID(),
			"column", ref.Column, "ref_id", ref.ID)
		ref.Clear()
		sql, args := upsertSQL(records)
		if err := execInSavepoint(ctx, db, sql, args); err != nil {
			return fmt.Errorf("upserting %s %d after nulling %s: %w",
				rec.Table(), rec.RecordID(), ref.Column, err)
		}
		return nil
	}
	return fmt.Errorf("upserting %s %d: %w", rec.Table(), rec.RecordID(), err)
}

// execInSavepoint runs one statement in a nested transaction, so a
// failed statement does not poison the enclosing transaction.
func execInSavepoint(ctx context.Context, db executor, sql string, args []any) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("opening savepoint: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// deleteStale removes rows whose ids are absent from the snapshot. An
// empty snapshot skips the sweep; wiping a table on a bad upstream
// response is worse than staleness.
func (r *Reconciler) deleteStale(ctx context.Context, db executor, kind models.Kind, records []models.Record) (int64, error) {
	if len(records) == 0 {
		r.logger.Warn("Empty snapshot, skipping stale sweep", "kind", kind)
		return 0, nil
	}
	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.RecordID()
	}
	table := records[0].Table()
	tag, err := db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE NOT (id = ANY($1))", table), ids)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale %s rows: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func asFKViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == fkViolationCode {
		return pgErr, true
	}
	return nil, false
}

// upsertSQL renders the multi-row insert with a full-row conflict update.
func upsertSQL(records []models.Record) (string, []any) {
	cols := models.Columns(records[0])
	var sb strings.Builder
	args := make([]any, 0, len(records)*len(cols))

	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", records[0].Table(), strings.Join(cols, ", "))
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*len(cols)+j+1)
		}
		sb.WriteString(")")
		args = append(args, models.Values(rec)...)
	}

	sb.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	first := true
	for _, col := range cols {
		if col == "id" {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
	}
	return sb.String(), args
}
