package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/config"
	"github.com/stemsi/exstem-portal/internal/model"
	"github.com/stemsi/exstem-portal/internal/session"
	"github.com/stemsi/exstem-portal/internal/sidestore"
	"github.com/stemsi/exstem-portal/internal/upstream"
)

// Attempt service errors.
var (
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrNotOwner        = errors.New("attempt belongs to another student")
)

// SubmitQueuePayload is the message pushed to the submit queue for
// out-of-band submission (failed forced submits, reaped attempts).
type SubmitQueuePayload struct {
	AttemptID string `json:"attempt_id"`
}

// AttemptService owns the registry of live exam sessions. One controller
// exists per in-progress attempt; attempts whose controller died with the
// process are rebuilt from the side-store on the next request.
type AttemptService struct {
	mu   sync.Mutex
	live map[uuid.UUID]*session.Controller

	store   *sidestore.Store
	gateway *upstream.Client
	rdb     *redis.Client
	log     zerolog.Logger

	// tickInterval overrides the countdown resolution, zero in production.
	tickInterval time.Duration
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(store *sidestore.Store, gateway *upstream.Client, rdb *redis.Client, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		live:    make(map[uuid.UUID]*session.Controller),
		store:   store,
		gateway: gateway,
		rdb:     rdb,
		log:     log.With().Str("component", "attempt_service").Logger(),
	}
}

// StartOrResume opens a timed session for (student, exam). If a side-store
// mapping already exists the previous attempt is resumed — answers, cursor
// and elapsed time survive reloads and portal restarts; an attempt past its
// deadline expires immediately instead of granting extra time. Otherwise
// the exam paper is fetched upstream and a fresh attempt begins.
func (s *AttemptService) StartOrResume(ctx context.Context, studentID int, bearer string, examID uuid.UUID) (*model.ExamPaper, model.AttemptState, error) {
	attemptID, found, err := s.store.StudentAttempt(ctx, studentID, examID)
	if err != nil {
		return nil, model.AttemptState{}, err
	}

	if found {
		ctrl, err := s.controller(ctx, studentID, bearer, attemptID)
		if err != nil {
			return nil, model.AttemptState{}, err
		}
		return ctrl.Paper(), ctrl.Snapshot(), nil
	}

	// Fresh attempt: the paper fetch is the loading phase. Any fetch error
	// means no attempt is created (failed state surfaces to the caller).
	paper, err := s.gateway.FetchPaper(ctx, bearer, examID)
	if err != nil {
		return nil, model.AttemptState{}, fmt.Errorf("fetch paper: %w", err)
	}
	if paper.DurationMinutes <= 0 {
		return nil, model.AttemptState{}, fmt.Errorf("upstream paper has invalid duration %d", paper.DurationMinutes)
	}

	attempt := model.Attempt{
		ID:        uuid.New(),
		ExamID:    examID,
		StudentID: studentID,
		StartedAt: time.Now(),
	}

	meta := sidestore.Meta{
		ExamID:        examID,
		StudentID:     studentID,
		QuestionCount: paper.QuestionCount(),
	}
	if err := s.store.SaveMeta(ctx, attempt.ID, meta); err != nil {
		return nil, model.AttemptState{}, err
	}
	clock := sidestore.Clock{
		StartedAt:        attempt.StartedAt,
		DurationMinutes:  paper.DurationMinutes,
		RemainingSeconds: (time.Duration(paper.DurationMinutes) * time.Minute).Seconds(),
	}
	if err := s.store.SaveClock(ctx, attempt.ID, clock); err != nil {
		return nil, model.AttemptState{}, err
	}
	if err := s.store.MapStudentAttempt(ctx, studentID, examID, attempt.ID); err != nil {
		return nil, model.AttemptState{}, err
	}
	if err := s.store.RegisterActive(ctx, attempt.ID); err != nil {
		return nil, model.AttemptState{}, err
	}

	ctrl := s.newController(attempt, paper, nil, bearer)

	s.mu.Lock()
	s.live[attempt.ID] = ctrl
	s.mu.Unlock()

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Msg("Attempt started")

	return paper, ctrl.Snapshot(), nil
}

// Snapshot returns the current state of an attempt for the given student.
func (s *AttemptService) Snapshot(ctx context.Context, studentID int, bearer string, attemptID uuid.UUID) (model.AttemptState, error) {
	ctrl, err := s.controller(ctx, studentID, bearer, attemptID)
	if err != nil {
		return model.AttemptState{}, err
	}
	return ctrl.Snapshot(), nil
}

// SetAnswer records one answer on a live attempt.
func (s *AttemptService) SetAnswer(ctx context.Context, studentID int, bearer string, attemptID uuid.UUID, index int, value string) error {
	ctrl, err := s.controller(ctx, studentID, bearer, attemptID)
	if err != nil {
		return err
	}
	return ctrl.SetAnswer(ctx, index, value)
}

// Navigate moves the attempt's question cursor and returns its new value.
func (s *AttemptService) Navigate(ctx context.Context, studentID int, bearer string, attemptID uuid.UUID, direction string) (int, error) {
	ctrl, err := s.controller(ctx, studentID, bearer, attemptID)
	if err != nil {
		return 0, err
	}
	return ctrl.Navigate(ctx, direction)
}

// Submit performs a manual submission on a live attempt.
func (s *AttemptService) Submit(ctx context.Context, studentID int, bearer string, attemptID uuid.UUID, acknowledged bool) error {
	ctrl, err := s.controller(ctx, studentID, bearer, attemptID)
	if err != nil {
		return err
	}
	return ctrl.Submit(ctx, acknowledged)
}

// IsLive reports whether a controller currently owns the attempt. The
// reaper skips live attempts — their own countdown handles expiry.
func (s *AttemptService) IsLive(attemptID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[attemptID]
	return ok
}

// CloseStudent tears down a student's sessions on logout: live controllers
// close and every side-store entry of the student's attempts is destroyed.
func (s *AttemptService) CloseStudent(ctx context.Context, studentID int) error {
	attempts, err := s.store.StudentAttempts(ctx, studentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range attempts {
		if ctrl, ok := s.live[id]; ok {
			ctrl.Close()
			delete(s.live, id)
		}
	}
	s.mu.Unlock()

	for _, id := range attempts {
		if err := s.store.Clear(ctx, id); err != nil {
			s.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Logout clear failed")
		}
	}
	return nil
}

// Shutdown stops every live countdown. Attempt state stays in the
// side-store, so sessions resume after a restart; the reaper picks up any
// that expire while the portal is down.
func (s *AttemptService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ctrl := range s.live {
		ctrl.Close()
		delete(s.live, id)
	}
}

// ─── internals ──────────────────────────────────────────────────────

// controller returns the live controller for an attempt, rebuilding it
// from the side-store when the portal restarted since the attempt began.
func (s *AttemptService) controller(ctx context.Context, studentID int, bearer string, attemptID uuid.UUID) (*session.Controller, error) {
	s.mu.Lock()
	ctrl, ok := s.live[attemptID]
	s.mu.Unlock()

	if ok {
		if ctrl.StudentID() != studentID {
			return nil, ErrNotOwner
		}
		return ctrl, nil
	}

	return s.resume(ctx, studentID, bearer, attemptID)
}

// resume rebuilds a controller from the side-store: meta, clock, answers
// and cursor. An attempt whose deadline passed while no controller was
// running expires immediately on construction.
func (s *AttemptService) resume(ctx context.Context, studentID int, bearer string, attemptID uuid.UUID) (*session.Controller, error) {
	meta, err := s.store.Meta(ctx, attemptID)
	if errors.Is(err, sidestore.ErrNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	if meta.StudentID != studentID {
		return nil, ErrNotOwner
	}

	clock, err := s.store.Clock(ctx, attemptID)
	if errors.Is(err, sidestore.ErrNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}

	paper, err := s.gateway.FetchPaper(ctx, bearer, meta.ExamID)
	if err != nil {
		return nil, fmt.Errorf("fetch paper: %w", err)
	}

	answers, err := s.store.Answers(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	cursor, err := s.store.Cursor(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	attempt := model.Attempt{
		ID:        attemptID,
		ExamID:    meta.ExamID,
		StudentID: studentID,
		StartedAt: clock.StartedAt,
		Cursor:    cursor,
	}

	ctrl := s.newController(attempt, paper, answers, bearer)

	s.mu.Lock()
	if existing, ok := s.live[attemptID]; ok {
		// Another request resumed concurrently; keep theirs.
		s.mu.Unlock()
		ctrl.Close()
		return existing, nil
	}
	s.live[attemptID] = ctrl
	s.mu.Unlock()

	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Float64("remaining_seconds", ctrl.Remaining().Seconds()).
		Msg("Attempt resumed")

	return ctrl, nil
}

func (s *AttemptService) newController(attempt model.Attempt, paper *model.ExamPaper, answers map[int]string, bearer string) *session.Controller {
	return session.NewController(session.Config{
		Attempt:      attempt,
		Paper:        paper,
		Answers:      answers,
		Store:        s.store,
		Gateway:      s.gateway,
		Bearer:       bearer,
		TickInterval: s.tickInterval,
		Log:          s.log,
		OnFinished: func(id uuid.UUID) {
			s.mu.Lock()
			delete(s.live, id)
			s.mu.Unlock()
		},
		Requeue: s.EnqueueSubmit,
	})
}

// EnqueueSubmit pushes an attempt onto the submit queue for the worker.
func (s *AttemptService) EnqueueSubmit(attemptID uuid.UUID) {
	payload, _ := json.Marshal(SubmitQueuePayload{AttemptID: attemptID.String()})
	if err := s.rdb.RPush(context.Background(), config.WorkerKey.SubmitAttemptsQueue, payload).Err(); err != nil {
		s.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Enqueue submit failed")
	}
}
