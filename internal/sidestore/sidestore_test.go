package sidestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestAnswersOverwriteAndIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	if err := store.SaveAnswer(ctx, a, 0, "A"); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	if err := store.SaveAnswer(ctx, a, 0, "C"); err != nil {
		t.Fatalf("SaveAnswer overwrite: %v", err)
	}
	if err := store.SaveAnswer(ctx, a, 2, "B"); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	if err := store.SaveAnswer(ctx, b, 0, "D"); err != nil {
		t.Fatalf("SaveAnswer other attempt: %v", err)
	}

	answers, err := store.Answers(ctx, a)
	if err != nil {
		t.Fatalf("Answers: %v", err)
	}
	if len(answers) != 2 {
		t.Fatalf("got %d answers, want 2", len(answers))
	}
	if answers[0] != "C" {
		t.Errorf("answers[0] = %q, want C (last write wins)", answers[0])
	}
	if answers[2] != "B" {
		t.Errorf("answers[2] = %q, want B", answers[2])
	}

	// The other attempt's hash is untouched.
	other, err := store.Answers(ctx, b)
	if err != nil {
		t.Fatalf("Answers(b): %v", err)
	}
	if other[0] != "D" || len(other) != 1 {
		t.Errorf("attempt b answers = %v, want map[0:D]", other)
	}
}

func TestAnswersMissingAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	answers, err := store.Answers(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Answers on missing attempt: %v", err)
	}
	if len(answers) != 0 {
		t.Errorf("got %d answers for missing attempt, want 0", len(answers))
	}
}

func TestEmptyAnswerStoredAsIs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := uuid.New()

	if err := store.SaveAnswer(ctx, id, 3, ""); err != nil {
		t.Fatalf("SaveAnswer empty: %v", err)
	}

	answers, err := store.Answers(ctx, id)
	if err != nil {
		t.Fatalf("Answers: %v", err)
	}
	val, ok := answers[3]
	if !ok {
		t.Fatal("empty answer was not stored")
	}
	if val != "" {
		t.Errorf("answers[3] = %q, want empty string", val)
	}
}

func TestClockRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := uuid.New()

	started := time.Now().Truncate(time.Second)
	in := Clock{StartedAt: started, DurationMinutes: 90, RemainingSeconds: 4321.5}
	if err := store.SaveClock(ctx, id, in); err != nil {
		t.Fatalf("SaveClock: %v", err)
	}

	out, err := store.Clock(ctx, id)
	if err != nil {
		t.Fatalf("Clock: %v", err)
	}
	if !out.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", out.StartedAt, started)
	}
	if out.DurationMinutes != 90 {
		t.Errorf("DurationMinutes = %d, want 90", out.DurationMinutes)
	}
	if want := started.Add(90 * time.Minute); !out.Deadline().Equal(want) {
		t.Errorf("Deadline = %v, want %v", out.Deadline(), want)
	}
}

func TestClockMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Clock(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Clock on missing attempt err = %v, want ErrNotFound", err)
	}
}

func TestCursorDefaultsToZero(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := uuid.New()

	cursor, err := store.Cursor(ctx, id)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != 0 {
		t.Errorf("cursor = %d for fresh attempt, want 0", cursor)
	}

	if err := store.SaveCursor(ctx, id, 5); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	cursor, err = store.Cursor(ctx, id)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != 5 {
		t.Errorf("cursor = %d, want 5", cursor)
	}
}

func TestStudentAttemptMapping(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	examID, attemptID := uuid.New(), uuid.New()

	_, found, err := store.StudentAttempt(ctx, 7, examID)
	if err != nil {
		t.Fatalf("StudentAttempt: %v", err)
	}
	if found {
		t.Fatal("found a mapping before any was written")
	}

	if err := store.MapStudentAttempt(ctx, 7, examID, attemptID); err != nil {
		t.Fatalf("MapStudentAttempt: %v", err)
	}

	got, found, err := store.StudentAttempt(ctx, 7, examID)
	if err != nil {
		t.Fatalf("StudentAttempt: %v", err)
	}
	if !found || got != attemptID {
		t.Errorf("StudentAttempt = (%s, %t), want (%s, true)", got, found, attemptID)
	}

	// A different student sees nothing.
	_, found, err = store.StudentAttempt(ctx, 8, examID)
	if err != nil {
		t.Fatalf("StudentAttempt other student: %v", err)
	}
	if found {
		t.Error("mapping leaked to another student")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	examID, attemptID := uuid.New(), uuid.New()

	if err := store.SaveMeta(ctx, attemptID, Meta{ExamID: examID, StudentID: 7, QuestionCount: 3}); err != nil {
		t.Fatalf("SaveMeta: %v", err)
	}
	if err := store.SaveAnswer(ctx, attemptID, 0, "A"); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	if err := store.SaveClock(ctx, attemptID, Clock{StartedAt: time.Now(), DurationMinutes: 30}); err != nil {
		t.Fatalf("SaveClock: %v", err)
	}
	if err := store.SaveCursor(ctx, attemptID, 2); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := store.MapStudentAttempt(ctx, 7, examID, attemptID); err != nil {
		t.Fatalf("MapStudentAttempt: %v", err)
	}
	if err := store.RegisterActive(ctx, attemptID); err != nil {
		t.Fatalf("RegisterActive: %v", err)
	}

	if err := store.Clear(ctx, attemptID); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if answers, _ := store.Answers(ctx, attemptID); len(answers) != 0 {
		t.Errorf("answers survived Clear: %v", answers)
	}
	if _, err := store.Clock(ctx, attemptID); !errors.Is(err, ErrNotFound) {
		t.Errorf("clock survived Clear: err = %v", err)
	}
	if _, err := store.Meta(ctx, attemptID); !errors.Is(err, ErrNotFound) {
		t.Errorf("meta survived Clear: err = %v", err)
	}
	if cursor, _ := store.Cursor(ctx, attemptID); cursor != 0 {
		t.Errorf("cursor survived Clear: %d", cursor)
	}
	if _, found, _ := store.StudentAttempt(ctx, 7, examID); found {
		t.Error("student mapping survived Clear")
	}
	active, err := store.ActiveAttempts(ctx)
	if err != nil {
		t.Fatalf("ActiveAttempts: %v", err)
	}
	for _, id := range active {
		if id == attemptID {
			t.Error("attempt still in active registry after Clear")
		}
	}
}

func TestActiveRegistry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	if err := store.RegisterActive(ctx, a); err != nil {
		t.Fatalf("RegisterActive: %v", err)
	}
	if err := store.RegisterActive(ctx, b); err != nil {
		t.Fatalf("RegisterActive: %v", err)
	}
	if err := store.RegisterActive(ctx, a); err != nil { // idempotent
		t.Fatalf("RegisterActive repeat: %v", err)
	}

	active, err := store.ActiveAttempts(ctx)
	if err != nil {
		t.Fatalf("ActiveAttempts: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("registry has %d attempts, want 2", len(active))
	}
}
