package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/model"
	"github.com/stemsi/exstem-portal/internal/sidestore"
	"github.com/stemsi/exstem-portal/internal/upstream"
)

// State enumerates the controller lifecycle.
type State string

const (
	StateLoading    State = "LOADING"
	StateActive     State = "ACTIVE"
	StateSubmitting State = "SUBMITTING"
	StateSubmitted  State = "SUBMITTED"
	StateFailed     State = "FAILED"
)

// Controller operation errors.
var (
	ErrNotActive      = errors.New("session: attempt is not active")
	ErrSubmitInFlight = errors.New("session: a submission is already in flight")
	ErrOutOfRange     = errors.New("session: question index out of range")
)

// IncompleteError is returned by a manual submit when questions are still
// unanswered and the caller has not acknowledged submitting partial work.
// The attempt stays active and no network call is made.
type IncompleteError struct {
	Unanswered []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("session: %d questions unanswered, confirmation required", len(e.Unanswered))
}

// Gateway is the upstream operation the controller needs: forwarding a
// finished attempt. Satisfied by *upstream.Client.
type Gateway interface {
	SubmitAttempt(ctx context.Context, bearer string, sub *model.Submission) error
}

// Config assembles a Controller. Answers and Cursor carry resumed state
// from the side-store; both may be zero for a fresh attempt.
type Config struct {
	Attempt model.Attempt
	Paper   *model.ExamPaper
	Answers map[int]string
	Store   *sidestore.Store
	Gateway Gateway
	Bearer  string
	// TickInterval overrides the countdown resolution; zero means
	// DefaultTickInterval. Tests use short intervals.
	TickInterval time.Duration
	Log          zerolog.Logger
	// OnFinished is called once when the controller reaches a terminal
	// state (or hands the attempt to the submit queue).
	OnFinished func(attemptID uuid.UUID)
	// Requeue receives the attempt when a forced submission fails and must
	// be retried out of band.
	Requeue func(attemptID uuid.UUID)
}

// Controller owns one live exam-taking session: the state machine, the
// countdown, the in-memory answer map and its mirror in the side-store.
//
// All operations are serialized on one mutex, so an answer write always
// completes before the expiry transition can snapshot the answers, and the
// forced submission observes the most recently applied state.
type Controller struct {
	mu sync.Mutex

	state    State
	attempt  model.Attempt
	paper    *model.ExamPaper
	answers  map[int]string
	inFlight bool
	failure  error

	store     *sidestore.Store
	gateway   Gateway
	bearer    string
	countdown *Countdown
	log       zerolog.Logger

	onFinished func(attemptID uuid.UUID)
	requeue    func(attemptID uuid.UUID)
	finishOnce sync.Once
}

// NewController builds a controller in the active state and starts its
// countdown. If the deadline already passed (resume after the time limit),
// the expiry path fires right away.
func NewController(cfg Config) *Controller {
	answers := cfg.Answers
	if answers == nil {
		answers = make(map[int]string)
	}

	c := &Controller{
		state:      StateActive,
		attempt:    cfg.Attempt,
		paper:      cfg.Paper,
		answers:    answers,
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		bearer:     cfg.Bearer,
		log:        cfg.Log.With().Str("attempt_id", cfg.Attempt.ID.String()).Logger(),
		onFinished: cfg.OnFinished,
		requeue:    cfg.Requeue,
	}

	deadline := cfg.Attempt.StartedAt.Add(time.Duration(cfg.Paper.DurationMinutes) * time.Minute)
	c.countdown = NewCountdown(deadline, cfg.TickInterval, c.persistTick, func() {
		go c.handleExpiry()
	})
	c.countdown.Start()

	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failure returns the terminal error of a failed controller, nil otherwise.
func (c *Controller) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Remaining returns the clamped time left on the attempt.
func (c *Controller) Remaining() time.Duration {
	return c.countdown.Remaining()
}

// StudentID returns the owning student.
func (c *Controller) StudentID() int {
	return c.attempt.StudentID
}

// Paper returns the immutable exam definition of this session.
func (c *Controller) Paper() *model.ExamPaper {
	return c.paper
}

// Snapshot returns the frontend-facing state of the attempt.
func (c *Controller) Snapshot() model.AttemptState {
	c.mu.Lock()
	defer c.mu.Unlock()

	answers := make(map[string]string, len(c.answers))
	for idx, val := range c.answers {
		answers[strconv.Itoa(idx)] = val
	}

	return model.AttemptState{
		AttemptID:        c.attempt.ID,
		ExamID:           c.attempt.ExamID,
		Status:           string(c.state),
		Cursor:           c.attempt.Cursor,
		RemainingSeconds: c.countdown.Remaining().Seconds(),
		AutosavedAnswers: answers,
	}
}

// SetAnswer records the answer for one question, overwriting any previous
// value and mirroring the write to the side-store before returning.
func (c *Controller) SetAnswer(ctx context.Context, index int, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return ErrNotActive
	}
	if index < 0 || index >= c.paper.QuestionCount() {
		return ErrOutOfRange
	}

	c.answers[index] = value
	if err := c.store.SaveAnswer(ctx, c.attempt.ID, index, value); err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}
	return nil
}

// Answer returns the stored answer for the index, or the empty string.
func (c *Controller) Answer(index int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers[index]
}

// Navigate moves the question cursor one step in the given direction,
// bounded to [0, questionCount-1]. An out-of-range move is a no-op. The
// resulting cursor is returned either way.
func (c *Controller) Navigate(ctx context.Context, direction string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return c.attempt.Cursor, ErrNotActive
	}

	next := c.attempt.Cursor
	switch direction {
	case "next":
		next++
	case "previous":
		next--
	}

	if next < 0 || next >= c.paper.QuestionCount() {
		return c.attempt.Cursor, nil
	}

	c.attempt.Cursor = next
	if err := c.store.SaveCursor(ctx, c.attempt.ID, next); err != nil {
		return next, fmt.Errorf("persist cursor: %w", err)
	}
	return next, nil
}

// Submit performs a manual submission. When unanswered questions exist and
// acknowledged is false, it returns *IncompleteError without touching the
// network — the caller must re-submit with explicit confirmation. A second
// submit while one is outstanding returns ErrSubmitInFlight.
func (c *Controller) Submit(ctx context.Context, acknowledged bool) error {
	c.mu.Lock()

	switch c.state {
	case StateSubmitting:
		c.mu.Unlock()
		return ErrSubmitInFlight
	case StateSubmitted:
		c.mu.Unlock()
		return upstream.ErrAlreadySubmitted
	case StateActive:
		// proceed
	default:
		c.mu.Unlock()
		return ErrNotActive
	}

	if unanswered := c.unansweredLocked(); len(unanswered) > 0 && !acknowledged {
		c.mu.Unlock()
		return &IncompleteError{Unanswered: unanswered}
	}

	c.state = StateSubmitting
	c.inFlight = true
	sub := c.buildSubmissionLocked()
	c.mu.Unlock()

	err := c.gateway.SubmitAttempt(ctx, c.bearer, sub)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	switch {
	case err == nil:
		c.completeLocked()
		return nil
	case errors.Is(err, upstream.ErrAlreadySubmitted):
		// Benign: the answers are already safe upstream. Finish the
		// attempt and let the handler inform and redirect.
		c.completeLocked()
		return err
	case errors.Is(err, upstream.ErrUnauthorized):
		// Terminal for this session instance. The side-store is kept so a
		// re-login can resume or re-submit; only the live session dies.
		c.state = StateFailed
		c.failure = err
		c.countdown.Stop()
		c.finish()
		return err
	default:
		// Generic failure is retryable: the student stays on the page.
		c.state = StateActive
		return err
	}
}

// Close releases the session's resources without submitting: the countdown
// stops and tick persistence detaches. An in-flight submission is allowed
// to complete — cancelling it could silently lose a finished attempt.
func (c *Controller) Close() {
	c.countdown.Stop()
}

// ─── internals ──────────────────────────────────────────────────────

// persistTick mirrors the clock to the side-store on every countdown tick,
// so a reload reconstructs elapsed time from wall clock plus this record.
func (c *Controller) persistTick(remaining time.Duration) {
	clock := sidestore.Clock{
		StartedAt:        c.attempt.StartedAt,
		DurationMinutes:  c.paper.DurationMinutes,
		RemainingSeconds: remaining.Seconds(),
	}
	if err := c.store.SaveClock(context.Background(), c.attempt.ID, clock); err != nil {
		c.log.Error().Err(err).Msg("Clock persist failed")
	}
}

// handleExpiry is the countdown's expiry callback: it forces the attempt
// into submitting regardless of unanswered questions.
func (c *Controller) handleExpiry() {
	c.mu.Lock()
	if c.state != StateActive {
		// A manual submission won the race; nothing to force.
		c.mu.Unlock()
		return
	}
	c.state = StateSubmitting
	c.inFlight = true
	sub := c.buildSubmissionLocked()
	c.mu.Unlock()

	c.log.Info().Msg("Time expired, forcing submission")

	err := c.gateway.SubmitAttempt(context.Background(), c.bearer, sub)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	switch {
	case err == nil, errors.Is(err, upstream.ErrAlreadySubmitted):
		c.completeLocked()
	default:
		// The student cannot retry a forced submission — hand the attempt
		// to the submit queue instead of dropping it.
		c.log.Warn().Err(err).Msg("Forced submission failed, queueing for retry")
		if c.requeue != nil {
			c.requeue(c.attempt.ID)
		}
		c.countdown.Stop()
		c.finish()
	}
}

// completeLocked finishes a confirmed submission: terminal state, countdown
// stopped, side-store cleared.
func (c *Controller) completeLocked() {
	c.state = StateSubmitted
	c.countdown.Stop()
	if err := c.store.Clear(context.Background(), c.attempt.ID); err != nil {
		c.log.Error().Err(err).Msg("Side-store clear failed")
	}
	c.finish()
}

// unansweredLocked returns the sorted indexes with no or empty answers.
func (c *Controller) unansweredLocked() []int {
	var unanswered []int
	for i := 0; i < c.paper.QuestionCount(); i++ {
		if c.answers[i] == "" {
			unanswered = append(unanswered, i)
		}
	}
	sort.Ints(unanswered)
	return unanswered
}

// buildSubmissionLocked assembles the upstream payload: one entry per
// question index in order, empty selected_option for unanswered ones.
func (c *Controller) buildSubmissionLocked() *model.Submission {
	answers := make([]model.SubmissionAnswer, c.paper.QuestionCount())
	for i := range answers {
		answers[i] = model.SubmissionAnswer{
			QuestionIndex:  i,
			SelectedOption: c.answers[i],
		}
	}
	return &model.Submission{
		ExamID:    c.attempt.ExamID,
		Answers:   answers,
		StartTime: c.attempt.StartedAt,
		EndTime:   time.Now(),
	}
}

func (c *Controller) finish() {
	c.finishOnce.Do(func() {
		if c.onFinished != nil {
			go c.onFinished(c.attempt.ID)
		}
	})
}
