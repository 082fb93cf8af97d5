package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/config"
	"github.com/stemsi/exstem-portal/internal/model"
	"github.com/stemsi/exstem-portal/internal/service"
	"github.com/stemsi/exstem-portal/internal/sidestore"
	"github.com/stemsi/exstem-portal/internal/upstream"
)

// SubmitWorker consumes submit_attempts_queue and forwards finished
// attempts to the upstream grading service. The queue only carries
// attempts with no live controller: forced submissions that failed and
// attempts the reaper found expired. Processing is idempotent — an attempt
// already cleared from the side-store is skipped.
type SubmitWorker struct {
	store   *sidestore.Store
	gateway *upstream.Client
	auth    *service.AuthService
	rdb     *redis.Client
	log     zerolog.Logger
}

// NewSubmitWorker creates a new SubmitWorker.
func NewSubmitWorker(store *sidestore.Store, gateway *upstream.Client, auth *service.AuthService, rdb *redis.Client, log zerolog.Logger) *SubmitWorker {
	return &SubmitWorker{
		store:   store,
		gateway: gateway,
		auth:    auth,
		rdb:     rdb,
		log:     log.With().Str("component", "submit_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *SubmitWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SubmitWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.SubmitAttemptsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var payload service.SubmitQueuePayload
	if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if retry := w.submit(ctx, &payload); retry {
		w.log.Warn().
			Str("attempt_id", payload.AttemptID).
			Msg("Submit failed, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.SubmitAttemptsQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

// submit rebuilds the submission from the side-store and forwards it.
// Returns true when the item should be requeued.
func (w *SubmitWorker) submit(ctx context.Context, p *service.SubmitQueuePayload) bool {
	attemptID, err := uuid.Parse(p.AttemptID)
	if err != nil {
		w.log.Error().Str("attempt_id", p.AttemptID).Msg("Corrupt attempt ID, dropping")
		return false
	}

	meta, err := w.store.Meta(ctx, attemptID)
	if errors.Is(err, sidestore.ErrNotFound) {
		// Already submitted and cleared elsewhere.
		return false
	}
	if err != nil {
		w.log.Error().Err(err).Msg("Meta read error")
		return true
	}

	clock, err := w.store.Clock(ctx, attemptID)
	if err != nil {
		w.log.Error().Err(err).Msg("Clock read error")
		return true
	}

	bearer, err := w.auth.UpstreamToken(ctx, meta.StudentID)
	if err != nil {
		// No credential to submit with. Keep the side-store: the student's
		// next login resumes the attempt, and its controller re-submits
		// with a fresh bearer.
		w.log.Warn().
			Str("attempt_id", p.AttemptID).
			Int("student_id", meta.StudentID).
			Msg("No upstream token, leaving attempt for next login")
		return false
	}

	answers, err := w.store.Answers(ctx, attemptID)
	if err != nil {
		w.log.Error().Err(err).Msg("Answers read error")
		return true
	}

	sub := buildSubmission(meta, clock, answers)

	err = w.gateway.SubmitAttempt(ctx, bearer, sub)
	switch {
	case err == nil, errors.Is(err, upstream.ErrAlreadySubmitted):
		if err := w.store.Clear(ctx, attemptID); err != nil {
			w.log.Error().Err(err).Msg("Clear error")
		}
		w.log.Info().
			Str("attempt_id", p.AttemptID).
			Str("exam_id", meta.ExamID.String()).
			Int("student_id", meta.StudentID).
			Msg("Attempt submitted")
		return false
	case errors.Is(err, upstream.ErrUnauthorized):
		w.log.Warn().
			Str("attempt_id", p.AttemptID).
			Msg("Upstream rejected credential, leaving attempt for next login")
		return false
	default:
		return true
	}
}

// buildSubmission covers every question index in order; indexes never
// answered carry an empty selected_option. The end time is the attempt's
// deadline — these submissions are always expiry-forced.
func buildSubmission(meta *sidestore.Meta, clock *sidestore.Clock, answers map[int]string) *model.Submission {
	entries := make([]model.SubmissionAnswer, meta.QuestionCount)
	for i := range entries {
		entries[i] = model.SubmissionAnswer{
			QuestionIndex:  i,
			SelectedOption: answers[i],
		}
	}
	return &model.Submission{
		ExamID:    meta.ExamID,
		Answers:   entries,
		StartTime: clock.StartedAt,
		EndTime:   clock.Deadline(),
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *SubmitWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.SubmitAttemptsQueue).Result()
		if err != nil {
			break
		}

		var payload service.SubmitQueuePayload
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if retry := w.submit(ctx, &payload); retry {
			w.log.Error().Str("attempt_id", payload.AttemptID).Msg("Drain submit error")
			w.rdb.RPush(ctx, config.WorkerKey.SubmitAttemptsQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
