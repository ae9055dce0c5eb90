package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func mustEvent(t *testing.T, typ contracts.EventType, user string, at time.Time, opts ...contracts.EventOption) contracts.Event {
	t.Helper()
	e, err := contracts.NewEvent(typ, user, "spring-26", false, append(opts, contracts.At(at))...)
	require.NoError(t, err)
	return e
}

func TestMemoryEventStore_RingBufferEvictsOldest(t *testing.T) {
	s := NewMemoryEventStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, mustEvent(t, contracts.EventInviteSent, "u", t0.Add(time.Duration(i)*time.Minute),
			contracts.WithExtra("i", i))))
	}
	assert.Equal(t, 3, s.Len())
	assert.EqualValues(t, 2, s.Evicted())

	got, err := s.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, i+2, e.Metadata.Extra["i"])
	}
}

func TestMemoryEventStore_RepeatedIDStoredOnce(t *testing.T) {
	s := NewMemoryEventStore(2)
	ctx := context.Background()
	first := mustEvent(t, contracts.EventInviteSent, "u", t0)
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, first))
	assert.Equal(t, 1, s.Len())

	// Once evicted, the id may be stored again.
	require.NoError(t, s.Append(ctx, mustEvent(t, contracts.EventInviteSent, "u", t0)))
	require.NoError(t, s.Append(ctx, mustEvent(t, contracts.EventInviteSent, "u", t0)))
	require.NoError(t, s.Append(ctx, first))
	got, err := s.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[1].ID)
}

func TestMemoryEventStore_InsertionOrderNotTimestampOrder(t *testing.T) {
	s := NewMemoryEventStore(0)
	ctx := context.Background()
	late := mustEvent(t, contracts.EventFVMReached, "b", t0.Add(time.Hour))
	early := mustEvent(t, contracts.EventInviteOpened, "b", t0)
	require.NoError(t, s.Append(ctx, late))
	require.NoError(t, s.Append(ctx, early))

	got, err := s.List(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID, early.ID}, []string{got[0].ID, got[1].ID})
}

func TestMemoryEventStore_RejectsInvalid(t *testing.T) {
	s := NewMemoryEventStore(10)
	err := s.Append(context.Background(), contracts.Event{Type: contracts.EventInviteSent, UserID: "u", Timestamp: t0})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeValidation, contracts.CodeOf(err))
}

func TestMemoryEventStore_ListReturnsCopies(t *testing.T) {
	s := NewMemoryEventStore(10)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, mustEvent(t, contracts.EventComplaint, "u", t0, contracts.WithExtra("k", "v"))))
	got, _ := s.List(ctx, EventFilter{})
	got[0].Metadata.Extra["k"] = "mutated"
	again, _ := s.List(ctx, EventFilter{})
	assert.Equal(t, "v", again[0].Metadata.Extra["k"])
}

func TestEventFilter_Match(t *testing.T) {
	e := mustEvent(t, contracts.EventInviteSent, "u1", t0, contracts.WithLoop("results-rally"), contracts.WithInvite("CODE1234", "inv"))
	assert.True(t, EventFilter{}.Match(e))
	assert.True(t, EventFilter{Types: []contracts.EventType{contracts.EventFVMReached, contracts.EventInviteSent}}.Match(e))
	assert.False(t, EventFilter{Types: []contracts.EventType{contracts.EventFVMReached}}.Match(e))
	assert.False(t, EventFilter{Cohort: "fall-26"}.Match(e))
	assert.True(t, EventFilter{LoopID: "results-rally", InviteCode: "CODE1234", UserID: "u1"}.Match(e))
	assert.False(t, EventFilter{Range: contracts.TimeRange{Start: t0.Add(time.Second)}}.Match(e))
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteEventStore_RoundTripAndFilter(t *testing.T) {
	s, err := NewSQLiteEventStore(openSQLite(t))
	require.NoError(t, err)
	ctx := context.Background()

	sent := mustEvent(t, contracts.EventInviteSent, "inviter", t0, contracts.WithLoop("buddy-challenge"), contracts.WithChannel(contracts.ChannelSMS))
	fvm := mustEvent(t, contracts.EventFVMReached, "invitee", t0.Add(2*time.Hour), contracts.WithLoop("buddy-challenge"), contracts.WithInviter("inviter"))
	other := mustEvent(t, contracts.EventOptOut, "x", t0.Add(3*time.Hour))
	for _, e := range []contracts.Event{sent, fvm, other} {
		require.NoError(t, s.Append(ctx, e))
	}
	require.NoError(t, s.Append(ctx, sent), "a repeated id is a no-op")

	all, err := s.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, sent.ID, all[0].ID)
	assert.Equal(t, sent.Timestamp, all[0].Timestamp)
	assert.Equal(t, contracts.ChannelSMS, all[0].Metadata.Channel)

	loop, err := s.List(ctx, EventFilter{LoopID: "buddy-challenge", Types: []contracts.EventType{contracts.EventFVMReached}})
	require.NoError(t, err)
	require.Len(t, loop, 1)
	assert.Equal(t, "inviter", loop[0].Metadata.InviterID)

	windowed, err := s.List(ctx, EventFilter{Range: contracts.TimeRange{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)}})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, fvm.ID, windowed[0].ID)

	n, err := s.Prune(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPostgresEventStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresEventStore(db)
	e := mustEvent(t, contracts.EventInviteSent, "u1", t0, contracts.WithLoop("proud-parent"), contracts.WithInvite("ABCD2345", "inv-1"))

	mock.ExpectExec(`INSERT INTO viral_events .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(e.ID, "INVITE_SENT", "u1", sqlmock.AnyArg(), "spring-26", false, "proud-parent", "ABCD2345", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Append(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresEventStore(db)
	rows := sqlmock.NewRows([]string{"id", "event_type", "user_id", "ts", "cohort", "referred", "loop_id", "invite_code", "metadata"}).
		AddRow("e1", "FVM_REACHED", "kid", t0, "spring-26", true, "results-rally", "CODE", []byte(`{"cohort":"spring-26","referred":true,"loopId":"results-rally","fvmType":"practice"}`))

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT id, event_type, user_id, ts, cohort, referred, loop_id, invite_code, metadata FROM viral_events WHERE event_type IN ($1) AND cohort = $2 AND ts >= $3 ORDER BY seq ASC")).
		WithArgs("FVM_REACHED", "spring-26", t0).
		WillReturnRows(rows)

	got, err := s.List(context.Background(), EventFilter{
		Types:  []contracts.EventType{contracts.EventFVMReached},
		Cohort: "spring-26",
		Range:  contracts.TimeRange{Start: t0},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Metadata.Referred)
	assert.Equal(t, contracts.FVMPractice, got[0].Metadata.FVMType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_AppendValidates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresEventStore(db)
	err = s.Append(context.Background(), contracts.Event{Type: "NOPE", UserID: "u", Timestamp: t0})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
