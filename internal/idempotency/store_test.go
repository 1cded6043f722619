package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// newMockStore creates a sqlmock-backed store with automatic cleanup and
// expectation checking.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return NewWithDB(db, 30*24*time.Hour), mock
}

func TestExists_True(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT 1 FROM processed_events WHERE event_id = \\$1").
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	got, err := store.Exists(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected Exists = true")
	}
}

func TestExists_False(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT 1 FROM processed_events WHERE event_id = \\$1").
		WithArgs("evt-missing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	got, err := store.Exists(context.Background(), "evt-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Error("expected Exists = false")
	}
}

func TestMarkProcessed_Insert(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", "client.created", "2592000 seconds").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkProcessed(context.Background(), "evt-1", "client.created"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarkProcessed_ConflictIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	// ON CONFLICT DO NOTHING: zero rows affected, still no error.
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", "client.created", "2592000 seconds").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.MarkProcessed(context.Background(), "evt-1", "client.created"); err != nil {
		t.Fatalf("duplicate mark should not error: %v", err)
	}
}

func TestMarkProcessed_TwiceLeavesOneRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", "invoice.paid", "2592000 seconds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", "invoice.paid", "2592000 seconds").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM processed_events WHERE event_id = \\$1").
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	ctx := context.Background()
	if err := store.MarkProcessed(ctx, "evt-1", "invoice.paid"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := store.MarkProcessed(ctx, "evt-1", "invoice.paid"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	exists, err := store.Exists(ctx, "evt-1")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}
}

func TestCleanupExpired(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM processed_events WHERE expires_at IS NOT NULL AND expires_at < now").
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := store.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestCleanupExpired_Nothing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM processed_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	count, err := store.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestExpiredRows(t *testing.T) {
	store, mock := newMockStore(t)
	processed := time.Now().Add(-31 * 24 * time.Hour).UTC()
	expired := processed.Add(30 * 24 * time.Hour)
	mock.ExpectQuery("SELECT event_id, event_type, processed_at, expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "processed_at", "expires_at"}).
			AddRow("evt-1", "client.created", processed, expired).
			AddRow("evt-2", "invoice.paid", processed, sql.NullTime{}))

	rows, err := store.ExpiredRows(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].EventID != "evt-1" || rows[0].ExpiresAt == nil || !rows[0].ExpiresAt.Equal(expired) {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].ExpiresAt != nil {
		t.Errorf("row 1 should have nil expiry, got %v", rows[1].ExpiresAt)
	}
}

func TestIntervalArg(t *testing.T) {
	if got := intervalArg(30 * 24 * time.Hour); got != "2592000 seconds" {
		t.Errorf("intervalArg = %q", got)
	}
	if got := intervalArg(90 * time.Second); got != "90 seconds" {
		t.Errorf("intervalArg = %q", got)
	}
}
