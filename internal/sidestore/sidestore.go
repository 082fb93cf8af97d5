package sidestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-portal/internal/config"
)

// ErrNotFound is returned when an attempt has no entry for the requested key.
var ErrNotFound = errors.New("sidestore: not found")

// Store is the durable side-store for in-progress attempts. Every key is
// namespaced by attempt ID, so no two attempts ever share keys and clearing
// one attempt cannot touch another. Answers, clock and cursor are written
// on every mutation so a page reload or portal restart resumes the session.
type Store struct {
	rdb *redis.Client
}

// New creates a Store on top of the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// ─── Answers ────────────────────────────────────────────────────────

// SaveAnswer inserts or overwrites the answer for one question index,
// preserving all other entries. Answer content is not validated here:
// empty values are stored as-is, the submit flow decides what they mean.
func (s *Store) SaveAnswer(ctx context.Context, attemptID uuid.UUID, index int, value string) error {
	key := config.CacheKey.AttemptAnswersKey(attemptID.String())
	return s.rdb.HSet(ctx, key, strconv.Itoa(index), value).Err()
}

// Answers returns all stored answers keyed by question index. A missing
// attempt yields an empty map, never an error.
func (s *Store) Answers(ctx context.Context, attemptID uuid.UUID) (map[int]string, error) {
	raw, err := s.RawAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	answers := make(map[int]string, len(raw))
	for field, value := range raw {
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("corrupt answer field %q: %w", field, err)
		}
		answers[idx] = value
	}
	return answers, nil
}

// RawAnswers returns the answer hash as stored, keyed by the string form
// of the question index. Used for frontend snapshots.
func (s *Store) RawAnswers(ctx context.Context, attemptID uuid.UUID) (map[string]string, error) {
	key := config.CacheKey.AttemptAnswersKey(attemptID.String())
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	return raw, nil
}

// ─── Clock ──────────────────────────────────────────────────────────

// Clock is the persisted timing state of an attempt. RemainingSeconds is
// the value at the last tick; resume logic recomputes the real remaining
// time from StartedAt and the wall clock instead of trusting it alone.
type Clock struct {
	StartedAt        time.Time
	DurationMinutes  int
	RemainingSeconds float64
}

// Deadline returns the absolute point at which the attempt expires.
func (c *Clock) Deadline() time.Time {
	return c.StartedAt.Add(time.Duration(c.DurationMinutes) * time.Minute)
}

// SaveClock persists the attempt timing state. Called at session start and
// on every countdown tick.
func (s *Store) SaveClock(ctx context.Context, attemptID uuid.UUID, clock Clock) error {
	key := config.CacheKey.AttemptClockKey(attemptID.String())
	return s.rdb.HSet(ctx, key,
		"started_at", clock.StartedAt.Unix(),
		"duration_minutes", clock.DurationMinutes,
		"remaining_seconds", clock.RemainingSeconds,
	).Err()
}

// Clock returns the persisted timing state, or ErrNotFound when the
// attempt has none.
func (s *Store) Clock(ctx context.Context, attemptID uuid.UUID) (*Clock, error) {
	key := config.CacheKey.AttemptClockKey(attemptID.String())
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get clock: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	startedUnix, err := strconv.ParseInt(raw["started_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt started_at: %w", err)
	}
	duration, err := strconv.Atoi(raw["duration_minutes"])
	if err != nil {
		return nil, fmt.Errorf("corrupt duration_minutes: %w", err)
	}
	remaining, err := strconv.ParseFloat(raw["remaining_seconds"], 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt remaining_seconds: %w", err)
	}

	return &Clock{
		StartedAt:        time.Unix(startedUnix, 0),
		DurationMinutes:  duration,
		RemainingSeconds: remaining,
	}, nil
}

// ─── Cursor ─────────────────────────────────────────────────────────

// SaveCursor persists the question index the student is currently on.
func (s *Store) SaveCursor(ctx context.Context, attemptID uuid.UUID, cursor int) error {
	key := config.CacheKey.AttemptCursorKey(attemptID.String())
	return s.rdb.Set(ctx, key, cursor, 0).Err()
}

// Cursor returns the persisted cursor, defaulting to 0 when absent.
func (s *Store) Cursor(ctx context.Context, attemptID uuid.UUID) (int, error) {
	key := config.CacheKey.AttemptCursorKey(attemptID.String())
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	cursor, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor: %w", err)
	}
	return cursor, nil
}

// ─── Meta ───────────────────────────────────────────────────────────

// Meta identifies what an attempt belongs to. The recovery workers need it
// to rebuild a submission for an attempt with no live controller, so it
// also records the paper's question count.
type Meta struct {
	ExamID        uuid.UUID
	StudentID     int
	QuestionCount int
}

// SaveMeta persists the attempt's identity.
func (s *Store) SaveMeta(ctx context.Context, attemptID uuid.UUID, meta Meta) error {
	key := config.CacheKey.AttemptMetaKey(attemptID.String())
	return s.rdb.HSet(ctx, key,
		"exam_id", meta.ExamID.String(),
		"student_id", meta.StudentID,
		"question_count", meta.QuestionCount,
	).Err()
}

// Meta returns the attempt's identity, or ErrNotFound.
func (s *Store) Meta(ctx context.Context, attemptID uuid.UUID) (*Meta, error) {
	key := config.CacheKey.AttemptMetaKey(attemptID.String())
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	examID, err := uuid.Parse(raw["exam_id"])
	if err != nil {
		return nil, fmt.Errorf("corrupt exam_id: %w", err)
	}
	studentID, err := strconv.Atoi(raw["student_id"])
	if err != nil {
		return nil, fmt.Errorf("corrupt student_id: %w", err)
	}
	questionCount, err := strconv.Atoi(raw["question_count"])
	if err != nil {
		return nil, fmt.Errorf("corrupt question_count: %w", err)
	}

	return &Meta{ExamID: examID, StudentID: studentID, QuestionCount: questionCount}, nil
}

// ─── Resume mapping and active registry ─────────────────────────────

// MapStudentAttempt records the attempt ID for a (student, exam) pair so a
// later session start resumes it instead of opening a second attempt.
func (s *Store) MapStudentAttempt(ctx context.Context, studentID int, examID, attemptID uuid.UUID) error {
	key := config.CacheKey.StudentAttemptKey(studentID, examID.String())
	return s.rdb.Set(ctx, key, attemptID.String(), 0).Err()
}

// StudentAttempt returns the attempt ID mapped to a (student, exam) pair.
// The boolean reports whether a mapping exists.
func (s *Store) StudentAttempt(ctx context.Context, studentID int, examID uuid.UUID) (uuid.UUID, bool, error) {
	key := config.CacheKey.StudentAttemptKey(studentID, examID.String())
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("get student attempt: %w", err)
	}
	attemptID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt attempt mapping: %w", err)
	}
	return attemptID, true, nil
}

// StudentAttempts returns every attempt ID currently mapped to a student,
// across exams. Used by logout to clear the student's side-store state.
func (s *Store) StudentAttempts(ctx context.Context, studentID int) ([]uuid.UUID, error) {
	pattern := config.CacheKey.StudentAttemptKey(studentID, "*")
	var attempts []uuid.UUID

	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		val, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // Mapping removed concurrently
		}
		id, err := uuid.Parse(val)
		if err != nil {
			continue
		}
		attempts = append(attempts, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan student attempts: %w", err)
	}
	return attempts, nil
}

// RegisterActive adds the attempt to the not-yet-submitted registry.
func (s *Store) RegisterActive(ctx context.Context, attemptID uuid.UUID) error {
	return s.rdb.SAdd(ctx, config.CacheKey.ActiveAttemptsKey(), attemptID.String()).Err()
}

// ActiveAttempts returns every registered attempt ID.
func (s *Store) ActiveAttempts(ctx context.Context) ([]uuid.UUID, error) {
	members, err := s.rdb.SMembers(ctx, config.CacheKey.ActiveAttemptsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active attempts: %w", err)
	}

	attempts := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		attempts = append(attempts, id)
	}
	return attempts, nil
}

// ─── Clear ──────────────────────────────────────────────────────────

// Clear removes every side-store entry of the attempt: answers, clock,
// cursor, meta, the active-registry membership and the student mapping.
// Called exactly once, after the upstream confirmed the submission (or on
// explicit logout).
func (s *Store) Clear(ctx context.Context, attemptID uuid.UUID) error {
	id := attemptID.String()

	// The student mapping key needs the meta; read it before deleting.
	if meta, err := s.Meta(ctx, attemptID); err == nil {
		mapKey := config.CacheKey.StudentAttemptKey(meta.StudentID, meta.ExamID.String())
		if err := s.rdb.Del(ctx, mapKey).Err(); err != nil {
			return fmt.Errorf("clear student mapping: %w", err)
		}
	}

	if err := s.rdb.Del(ctx,
		config.CacheKey.AttemptAnswersKey(id),
		config.CacheKey.AttemptClockKey(id),
		config.CacheKey.AttemptCursorKey(id),
		config.CacheKey.AttemptMetaKey(id),
	).Err(); err != nil {
		return fmt.Errorf("clear attempt keys: %w", err)
	}

	return s.rdb.SRem(ctx, config.CacheKey.ActiveAttemptsKey(), id).Err()
}
