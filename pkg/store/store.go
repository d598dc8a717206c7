// Package store applies feed records to Postgres: idempotent creates,
// field-diffed updates, deletes, and the account overlay onto nations.
// Every successful write publishes its events on the bus.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pnwsync/pnwsync/pkg/events"
	"github.com/pnwsync/pnwsync/pkg/metrics"
	"github.com/pnwsync/pnwsync/pkg/models"
)

// foreign_key_violation
const fkViolationCode = "23503"

// requiredRefAttempts bounds the fetch-parent retries for a record whose
// required reference keeps violating.
const requiredRefAttempts = 5

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ParentFetcher resolves a missing parent row from the upstream, nil when
// the parent no longer exists.
type ParentFetcher interface {
	FetchOne(ctx context.Context, kind models.Kind, id int64) (json.RawMessage, error)
}

// Store is safe for concurrent use across kinds; the feed serializes
// writes within one (kind, event).
type Store struct {
	db     DB
	bus    *events.Bus
	api    ParentFetcher
	logger *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the store to the database, the event bus and the parent
// fetcher.
func New(db DB, bus *events.Bus, api ParentFetcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		bus:    bus,
		api:    api,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// HandlerFor returns the feed handler applying records of one (kind,
// event). The account kind overlays nations regardless of event.
func (s *Store) HandlerFor(event models.EventKind) func(ctx context.Context, record any) error {
	return func(ctx context.Context, record any) error {
		if acct, ok := record.(*models.Account); ok {
			return s.ApplyAccount(ctx, acct)
		}
		rec, ok := record.(models.Record)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		switch event {
		case models.EventCreate:
			return s.ApplyCreate(ctx, rec)
		case models.EventUpdate:
			return s.ApplyUpdate(ctx, rec)
		case models.EventDelete:
			return s.ApplyDelete(ctx, rec)
		default:
			return fmt.Errorf("unknown event kind %q", event)
		}
	}
}

// ApplyCreate inserts the record. A replayed create of an existing row is
// a silent no-op; only an actual insert emits the create event.
func (s *Store) ApplyCreate(ctx context.Context, rec models.Record) error {
	created, err := s.insertWithRecovery(ctx, rec)
	if err != nil {
		return err
	}
	if created {
		metrics.RecordsApplied.WithLabelValues(string(rec.Kind()), "create").Inc()
		s.bus.Publish(ctx, events.RecordEvent(rec.Kind(), models.EventCreate), rec)
	}
	return nil
}

// insertWithRecovery runs the insert, resolving reference violations:
// nullable references are nulled in place, required references trigger a
// fetch-parent retry loop with linear backoff, and a parent that is gone
// upstream drops the record with a warning.
func (s *Store) insertWithRecovery(ctx context.Context, rec models.Record) (bool, error) {
	requiredTries := 0
	for {
		tag, err := s.db.Exec(ctx, insertSQL(rec), models.Values(rec)...)
		if err == nil {
			return tag.RowsAffected() > 0, nil
		}
		pgErr, ok := fkViolation(err)
		if !ok {
			return false, fmt.Errorf("inserting %s %d: %w", rec.Table(), rec.RecordID(), err)
		}
		ref := matchRef(rec, pgErr)
		if ref == nil {
			return false, fmt.Errorf("inserting %s %d: %w", rec.Table(), rec.RecordID(), err)
		}

		if !ref.Required {
			s.logger.Warn("Nulling dangling reference",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			ref.Clear()
			continue
		}

		requiredTries++
		if requiredTries > requiredRefAttempts {
			s.logger.Warn("Dropping record with unresolvable required reference",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			return false, nil
		}
		resolved, err := s.resolveParent(ctx, *ref)
		if err != nil {
			return false, err
		}
		if !resolved {
			s.logger.Warn("Dropping record whose parent no longer exists upstream",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			return false, nil
		}
		if err := s.sleep(ctx, time.Duration(requiredTries)*time.Second); err != nil {
			return false, err
		}
	}
}

// resolveParent fetches and inserts the referenced row. false means the
// parent is gone upstream.
func (s *Store) resolveParent(ctx context.Context, ref models.Ref) (bool, error) {
	if s.api == nil {
		return false, nil
	}
	kind := models.Kind(ref.Table)
	raw, err := s.api.FetchOne(ctx, kind, ref.ID)
	if err != nil {
		return false, fmt.Errorf("fetching missing %s %d: %w", kind, ref.ID, err)
	}
	if raw == nil {
		return false, nil
	}
	decoded, err := models.Decode(kind, raw)
	if err != nil {
		return false, fmt.Errorf("decoding fetched %s %d: %w", kind, ref.ID, err)
	}
	parent, ok := decoded.(models.Record)
	if !ok {
		return false, fmt.Errorf("fetched %s %d is not a record", kind, ref.ID)
	}
	if err := s.ApplyCreate(ctx, parent); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyUpdate diffs the incoming record against the stored row and updates
// exactly the changed columns, emitting one per-field event each. An
// update for an absent row is promoted to a create.
func (s *Store) ApplyUpdate(ctx context.Context, rec models.Record) error {
	stored, err := s.fetchStored(ctx, rec)
	if err != nil {
		return err
	}
	if stored == nil {
		return s.ApplyCreate(ctx, rec)
	}

	changes := models.Diff(stored, rec)
	if len(changes) == 0 {
		return nil
	}

	applied, err := s.updateWithRecovery(ctx, rec, stored, changes)
	if err != nil || !applied {
		return err
	}

	metrics.RecordsApplied.WithLabelValues(string(rec.Kind()), "update").Inc()
	for _, ch := range changes {
		s.bus.Publish(ctx, events.FieldUpdateEvent(rec.Kind(), ch.Column), events.Change{
			Kind:   rec.Kind(),
			Field:  ch.Column,
			Before: stored,
			Old:    ch.Old,
			New:    ch.New,
		})
	}
	return nil
}

func (s *Store) updateWithRecovery(ctx context.Context, rec, stored models.Record, changes []models.FieldChange) (bool, error) {
	requiredTries := 0
	for {
		sql, args := updateSQL(rec.Table(), changes)
		args = append(args, rec.RecordID())
		_, err := s.db.Exec(ctx, sql, args...)
		if err == nil {
			return true, nil
		}
		pgErr, ok := fkViolation(err)
		if !ok {
			return false, fmt.Errorf("updating %s %d: %w", rec.Table(), rec.RecordID(), err)
		}
		ref := matchRef(rec, pgErr)
		if ref == nil {
			return false, fmt.Errorf("updating %s %d: %w", rec.Table(), rec.RecordID(), err)
		}

		if !ref.Required {
			s.logger.Warn("Nulling dangling reference",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			ref.Clear()
			changes = models.Diff(stored, rec)
			if len(changes) == 0 {
				return false, nil
			}
			continue
		}

		requiredTries++
		if requiredTries > requiredRefAttempts {
			s.logger.Warn("Dropping update with unresolvable required reference",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			return false, nil
		}
		resolved, err := s.resolveParent(ctx, *ref)
		if err != nil {
			return false, err
		}
		if !resolved {
			s.logger.Warn("Dropping update whose parent no longer exists upstream",
				"table", rec.Table(), "id", rec.RecordID(),
				"column", ref.Column, "ref_id", ref.ID)
			return false, nil
		}
		if err := s.sleep(ctx, time.Duration(requiredTries)*time.Second); err != nil {
			return false, err
		}
	}
}

// ApplyDelete removes the row. Deleting an absent row is a no-op without
// an event.
func (s *Store) ApplyDelete(ctx context.Context, rec models.Record) error {
	var id int64
	err := s.db.QueryRow(ctx, deleteSQL(rec.Table()), rec.RecordID()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %s %d: %w", rec.Table(), rec.RecordID(), err)
	}
	metrics.RecordsApplied.WithLabelValues(string(rec.Kind()), "delete").Inc()
	s.bus.Publish(ctx, events.RecordEvent(rec.Kind(), models.EventDelete), rec)
	return nil
}

// ApplyAccount overlays (discord_id, last_active) onto the matching nation
// row. Accounts without a stored nation are skipped; the upstream retains
// deleted accounts for a while.
func (s *Store) ApplyAccount(ctx context.Context, acct *models.Account) error {
	stored, err := s.fetchStored(ctx, &models.Nation{ID: acct.ID})
	if err != nil {
		return err
	}
	if stored == nil {
		s.logger.Debug("Account event for unknown nation", "id", int64(acct.ID))
		return nil
	}
	nation := stored.(*models.Nation)

	var changes []models.FieldChange
	if nation.DiscordID != acct.DiscordID {
		changes = append(changes, models.FieldChange{Column: "discord_id", Old: nation.DiscordID, New: acct.DiscordID})
	}
	if !nullTimeEqual(nation.LastActive, acct.LastActive) {
		changes = append(changes, models.FieldChange{Column: "last_active", Old: nation.LastActive, New: acct.LastActive})
	}
	if len(changes) == 0 {
		return nil
	}

	sql, args := updateSQL("nation", changes)
	args = append(args, int64(acct.ID))
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("updating nation %d from account: %w", acct.ID, err)
	}

	metrics.RecordsApplied.WithLabelValues(string(models.KindAccount), "update").Inc()
	if nation.DiscordID != acct.DiscordID {
		s.bus.Publish(ctx, events.AccountDiscordIDUpdate, events.DiscordIDChange{
			NationBefore: nation,
			Old:          nation.DiscordID,
			New:          acct.DiscordID,
		})
	}
	return nil
}

// fetchStored reads the current row of the record's id, nil when absent.
func (s *Store) fetchStored(ctx context.Context, rec models.Record) (models.Record, error) {
	stored, err := models.New(rec.Kind())
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, selectSQL(rec), rec.RecordID())
	if err := row.Scan(models.Pointers(stored)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching %s %d: %w", rec.Table(), rec.RecordID(), err)
	}
	return stored, nil
}

func nullTimeEqual(a, b models.NullTime) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Time.Equal(b.Time)
}

func fkViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == fkViolationCode {
		return pgErr, true
	}
	return nil, false
}

// matchRef finds the record reference behind a violated constraint,
// relying on the default <table>_<column>_fkey naming.
func matchRef(rec models.Record, pgErr *pgconn.PgError) *models.Ref {
	refs := rec.Refs()
	for i := range refs {
		if pgErr.ConstraintName == fmt.Sprintf("%s_%s_fkey", rec.Table(), refs[i].Column) {
			return &refs[i]
		}
	}
	return nil
}
