package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnwsync/pnwsync/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls      []execCall
	onExec     func(call int, sql string, args []any) (pgconn.CommandTag, error)
	idsByTable map[string][]int64

	begins    int
	commits   int
	rollbacks int
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.onExec != nil {
		return f.onExec(len(f.calls)-1, sql, args)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	table := strings.TrimPrefix(sql, "SELECT id FROM ")
	return &fakeRows{ids: f.idsByTable[table]}, nil
}

func (f *fakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	f.begins++
	return &fakeTx{db: f}, nil
}

// fakeTx delegates statements to the fakeDB; nested instances stand in
// for savepoints and stay out of the commit counters.
type fakeTx struct {
	db        *fakeDB
	nested    bool
	committed bool
}

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) {
	return &fakeTx{db: t.db, nested: true}, nil
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.committed = true
	if !t.nested {
		t.db.commits++
	}
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	if !t.nested {
		t.db.rollbacks++
	}
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}

func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

type fakeRows struct {
	ids []int64
	pos int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.ids) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.ids[r.pos-1]
	return nil
}

type fakeAPI struct {
	snapshots map[models.Kind][]json.RawMessage
	wars      []json.RawMessage
	calls     []string
}

func (f *fakeAPI) Snapshot(_ context.Context, kind models.Kind) ([]json.RawMessage, error) {
	f.calls = append(f.calls, "snapshot:"+string(kind))
	return f.snapshots[kind], nil
}

func (f *fakeAPI) FetchAll(_ context.Context, kind models.Kind, _ []int64) ([]json.RawMessage, error) {
	f.calls = append(f.calls, "fetchall:"+string(kind))
	return f.wars, nil
}

type fakeAccounts struct {
	applied []*models.Account
	failID  int64
}

func (f *fakeAccounts) ApplyAccount(_ context.Context, acct *models.Account) error {
	if f.failID != 0 && int64(acct.ID) == f.failID {
		return fmt.Errorf("nation %d not stored", f.failID)
	}
	f.applied = append(f.applied, acct)
	return nil
}

func fkError(constraint string) *pgconn.PgError {
	return &pgconn.PgError{Code: "23503", ConstraintName: constraint}
}

func alliance(id int64) *models.Alliance {
	return &models.Alliance{
		ID:          models.ID(id),
		Name:        fmt.Sprintf("Alliance %d", id),
		Color:       models.ColorAqua,
		DateCreated: models.Time{Time: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func city(id, nationID int64) *models.City {
	return &models.City{
		ID:          models.ID(id),
		Name:        fmt.Sprintf("City %d", id),
		DateCreated: models.Time{Time: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)},
		NationID:    models.ID(nationID),
	}
}

func allianceJSON(id int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id": %d, "name": "Alliance %d", "acronym": "A%d", "score": 100.5, "color": "aqua",
		  "date": "2020-01-01T00:00:00+00:00", "average_score": 50.25, "accept_members": true,
		  "flag": "https://example.test/flag.png", "rank": %d}`, id, id, id, id))
}

func positionJSON(id, allianceID int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id": %d, "name": "Member", "date": "2020-01-01T00:00:00+00:00",
		  "date_modified": "2020-02-01T00:00:00+00:00", "position_level": 1,
		  "leader": false, "heir": false, "officer": false, "member": true,
		  "permissions": 3, "creator_id": 1, "last_editor_id": 1, "alliance_id": %d}`, id, allianceID))
}

func nationJSON(id int64, allianceID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id": %d, "nation_name": "Nation %d", "leader_name": "Leader", "continent": "eu",
		  "war_policy": "TURTLE", "domestic_policy": "OPEN_MARKETS", "num_cities": 1,
		  "color": "blue", "score": 500.1, "date": "2019-05-01T00:00:00+00:00",
		  "alliance_id": %s, "alliance_position_id": null}`, id, id, allianceID))
}

func newTestReconciler(db *fakeDB, api *fakeAPI, accounts *fakeAccounts, delay time.Duration) *Reconciler {
	return New(db, api, accounts, delay, testLogger())
}

func TestUpsertSQL(t *testing.T) {
	records := []models.Record{alliance(1), alliance(2)}
	cols := models.Columns(records[0])

	sql, args := upsertSQL(records)

	require.Len(t, args, 2*len(cols))
	assert.Equal(t, models.ID(1), args[0])
	assert.Equal(t, models.ID(2), args[len(cols)])
	assert.True(t, strings.HasPrefix(sql, "INSERT INTO alliance (id, name, "), sql)
	assert.Contains(t, sql, fmt.Sprintf("$%d)", 2*len(cols)))
	assert.Contains(t, sql, "ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name")
	assert.NotContains(t, sql, "id = EXCLUDED.id")
}

func TestUpsertAllSplitsOnParameterCap(t *testing.T) {
	cols := len(models.Columns(&models.Alliance{}))
	batch := maxQueryParams / cols

	records := make([]models.Record, batch+5)
	for i := range records {
		records[i] = alliance(int64(i + 1))
	}

	db := &fakeDB{}
	r := newTestReconciler(db, &fakeAPI{}, &fakeAccounts{}, 0)
	require.NoError(t, r.upsertAll(context.Background(), db, records))

	require.Len(t, db.calls, 2)
	assert.Len(t, db.calls[0].args, batch*cols)
	assert.LessOrEqual(t, len(db.calls[0].args), maxQueryParams)
	assert.Len(t, db.calls[1].args, 5*cols)
}

func TestSyncKindUpsertsAndSweepsStale(t *testing.T) {
	db := &fakeDB{
		onExec: func(_ int, sql string, _ []any) (pgconn.CommandTag, error) {
			if strings.HasPrefix(sql, "DELETE") {
				return pgconn.NewCommandTag("DELETE 7"), nil
			}
			return pgconn.NewCommandTag("INSERT 0 2"), nil
		},
	}
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{
		models.KindAlliance: {allianceJSON(1), allianceJSON(2)},
	}}

	r := newTestReconciler(db, api, &fakeAccounts{}, 0)
	require.NoError(t, r.SyncKind(context.Background(), models.KindAlliance))

	require.Len(t, db.calls, 2)
	assert.True(t, strings.HasPrefix(db.calls[0].sql, "INSERT INTO alliance"))
	assert.Equal(t, "DELETE FROM alliance WHERE NOT (id = ANY($1))", db.calls[1].sql)
	assert.Equal(t, []int64{1, 2}, db.calls[1].args[0])
}

func TestSyncKindSkipsSweepOnEmptySnapshot(t *testing.T) {
	db := &fakeDB{}
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{}}

	r := newTestReconciler(db, api, &fakeAccounts{}, 0)
	require.NoError(t, r.SyncKind(context.Background(), models.KindAlliance))

	assert.Empty(t, db.calls)
	assert.Zero(t, db.begins)
}

func TestSyncKindCommitsUpsertsAndSweepTogether(t *testing.T) {
	db := &fakeDB{}
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{
		models.KindAlliance: {allianceJSON(1), allianceJSON(2)},
	}}

	r := newTestReconciler(db, api, &fakeAccounts{}, 0)
	require.NoError(t, r.SyncKind(context.Background(), models.KindAlliance))

	assert.Equal(t, 1, db.begins, "one transaction per table pass")
	assert.Equal(t, 1, db.commits)
	assert.Zero(t, db.rollbacks)
	require.Len(t, db.calls, 2)
	assert.True(t, strings.HasPrefix(db.calls[0].sql, "INSERT INTO alliance"))
	assert.True(t, strings.HasPrefix(db.calls[1].sql, "DELETE FROM alliance"))
}

func TestSyncKindDropsInvalidSnapshotRecords(t *testing.T) {
	db := &fakeDB{}
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{
		models.KindAlliance: {allianceJSON(1), json.RawMessage(`{"id": 2, "date": null}`)},
	}}

	r := newTestReconciler(db, api, &fakeAccounts{}, 0)
	require.NoError(t, r.SyncKind(context.Background(), models.KindAlliance))

	require.Len(t, db.calls, 2)
	assert.Equal(t, []int64{1}, db.calls[1].args[0])
}

func TestSyncKindDropsRowsWithMissingRequiredParent(t *testing.T) {
	db := &fakeDB{idsByTable: map[string][]int64{"alliance": {1}}}
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{
		models.KindAlliancePosition: {positionJSON(10, 1), positionJSON(11, 2)},
	}}

	r := newTestReconciler(db, api, &fakeAccounts{}, 0)
	require.NoError(t, r.SyncKind(context.Background(), models.KindAlliancePosition))

	require.Len(t, db.calls, 2)
	cols := models.Columns(&models.AlliancePosition{})
	assert.Len(t, db.calls[0].args, len(cols), "only the position with a stored alliance is written")
	assert.Equal(t, models.ID(10), db.calls[0].args[0])
	assert.Equal(t, []int64{10}, db.calls[1].args[0])
}

func TestSyncKindNullsDanglingNullableReference(t *testing.T) {
	db := &fakeDB{idsByTable: map[string][]int64{
		"alliance":          {1},
		"alliance_position": {},
	}}
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{
		models.KindNation: {nationJSON(100, "5")},
	}}

	r := newTestReconciler(db, api, &fakeAccounts{}, 0)
	require.NoError(t, r.SyncKind(context.Background(), models.KindNation))

	require.Len(t, db.calls, 2)
	cols := models.Columns(&models.Nation{})
	idx := -1
	for i, col := range cols {
		if col == "alliance_id" {
			idx = i
		}
	}
	require.NotEqual(t, -1, idx)
	assert.Equal(t, models.NullID{}, db.calls[0].args[idx], "dangling alliance reference is nulled before the upsert")
}

func TestUpsertBatchBisectsToOffendingRow(t *testing.T) {
	db := &fakeDB{
		onExec: func(_ int, _ string, args []any) (pgconn.CommandTag, error) {
			for _, arg := range args {
				if arg == models.ID(999) {
					return pgconn.CommandTag{}, fkError("city_nation_id_fkey")
				}
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	records := []models.Record{city(1, 50), city(2, 50), city(3, 999), city(4, 50)}

	r := newTestReconciler(db, &fakeAPI{}, &fakeAccounts{}, 0)
	require.NoError(t, r.upsertBatch(context.Background(), db, records))

	// Full batch, [1 2], [3 4], [3] alone, [4] alone.
	require.Len(t, db.calls, 5)
	assert.Equal(t, models.ID(1), db.calls[1].args[0])
	assert.Equal(t, models.ID(3), db.calls[3].args[0])
	assert.Equal(t, models.ID(4), db.calls[4].args[0])
}

func TestUpsertBatchNullsNullableReferenceOnViolation(t *testing.T) {
	db := &fakeDB{
		onExec: func(call int, _ string, _ []any) (pgconn.CommandTag, error) {
			if call == 0 {
				return pgconn.CommandTag{}, fkError("nation_alliance_id_fkey")
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	nation := &models.Nation{
		ID:          models.ID(100),
		Name:        "Nation 100",
		DateCreated: models.Time{Time: time.Date(2019, 5, 1, 0, 0, 0, 0, time.UTC)},
		AllianceID:  models.NullID{Int64: 5, Valid: true},
	}

	r := newTestReconciler(db, &fakeAPI{}, &fakeAccounts{}, 0)
	require.NoError(t, r.upsertBatch(context.Background(), db, []models.Record{nation}))

	require.Len(t, db.calls, 2)
	assert.Equal(t, models.NullID{}, nation.AllianceID)
}

func TestSyncWars(t *testing.T) {
	db := &fakeDB{}
	api := &fakeAPI{wars: []json.RawMessage{
		json.RawMessage(`{"id": 7, "date": "2024-03-01T00:00:00+00:00", "reason": "border dispute",
		  "war_type": "RAID", "att_id": 1, "def_id": 2, "ground_control": "0", "winner_id": null}`),
	}}

	r := newTestReconciler(db, api, &fakeAccounts{}, 0)
	require.NoError(t, r.SyncWars(context.Background()))

	require.Len(t, db.calls, 2)
	assert.True(t, strings.HasPrefix(db.calls[0].sql, "INSERT INTO war"))
	assert.Equal(t, []string{"fetchall:war"}, api.calls)
	assert.Equal(t, []int64{7}, db.calls[1].args[0])
}

func TestSyncAccounts(t *testing.T) {
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{
		models.KindAccount: {
			json.RawMessage(`{"id": 1, "discord_id": 111, "last_active": "2024-01-01T00:00:00+00:00"}`),
			json.RawMessage(`{broken`),
			json.RawMessage(`{"id": 3, "discord_id": null, "last_active": null}`),
		},
	}}
	accounts := &fakeAccounts{failID: 3}

	r := newTestReconciler(&fakeDB{}, api, accounts, 0)
	require.NoError(t, r.SyncAccounts(context.Background()))

	require.Len(t, accounts.applied, 1, "broken and failing rows are skipped")
	assert.Equal(t, models.ID(1), accounts.applied[0].ID)
	assert.Equal(t, models.NullID{Int64: 111, Valid: true}, accounts.applied[0].DiscordID)
}

func TestRunOrderDefersCities(t *testing.T) {
	api := &fakeAPI{snapshots: map[models.Kind][]json.RawMessage{}}

	var slept []time.Duration
	r := newTestReconciler(&fakeDB{idsByTable: map[string][]int64{}}, api, &fakeAccounts{}, time.Minute)
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []string{
		"snapshot:alliance",
		"snapshot:alliance_position",
		"snapshot:nation",
		"snapshot:account",
		"snapshot:city",
		"fetchall:war",
	}, api.calls)
	assert.Equal(t, []time.Duration{time.Minute}, slept)
}
