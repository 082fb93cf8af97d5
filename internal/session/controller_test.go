package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/model"
	"github.com/stemsi/exstem-portal/internal/sidestore"
	"github.com/stemsi/exstem-portal/internal/upstream"
)

// fakeGateway records submissions and returns a configurable error.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	last  *model.Submission
	err   error
	// block, when set, delays the call until released. Used to hold a
	// submission in flight.
	block chan struct{}
	done  chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{done: make(chan struct{}, 16)}
}

func (g *fakeGateway) SubmitAttempt(ctx context.Context, bearer string, sub *model.Submission) error {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	g.calls++
	g.last = sub
	err := g.err
	g.mu.Unlock()
	select {
	case g.done <- struct{}{}:
	default:
	}
	return err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) lastSubmission() *model.Submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func testStore(t *testing.T) *sidestore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return sidestore.New(rdb)
}

func testPaper(questions int) *model.ExamPaper {
	paper := &model.ExamPaper{
		ExamID:          uuid.New(),
		Title:           "Ujian Percobaan",
		DurationMinutes: 30,
	}
	for i := 0; i < questions; i++ {
		paper.Questions = append(paper.Questions, model.Question{
			Index:    i,
			Type:     model.QuestionTypeSingleChoice,
			Prompt:   "soal",
			Choices:  []string{"A", "B", "C", "D"},
			MaxMarks: 5,
		})
	}
	return paper
}

func testController(t *testing.T, store *sidestore.Store, gw Gateway, paper *model.ExamPaper) *Controller {
	t.Helper()
	c := NewController(Config{
		Attempt: model.Attempt{
			ID:        uuid.New(),
			ExamID:    paper.ExamID,
			StudentID: 7,
			StartedAt: time.Now(),
		},
		Paper:        paper,
		Store:        store,
		Gateway:      gw,
		Bearer:       "test-bearer",
		TickInterval: 50 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	return c
}

func TestSetAnswerLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	c := testController(t, store, newFakeGateway(), testPaper(3))

	if err := c.SetAnswer(ctx, 1, "A"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := c.SetAnswer(ctx, 1, "C"); err != nil {
		t.Fatalf("SetAnswer overwrite: %v", err)
	}

	if got := c.Answer(1); got != "C" {
		t.Errorf("Answer(1) = %q, want %q", got, "C")
	}

	// The side-store must hold only the latest value.
	stored, err := store.Answers(ctx, c.attempt.ID)
	if err != nil {
		t.Fatalf("Answers: %v", err)
	}
	if stored[1] != "C" {
		t.Errorf("stored answer = %q, want %q", stored[1], "C")
	}
	if len(stored) != 1 {
		t.Errorf("stored %d answers, want 1", len(stored))
	}
}

func TestSetAnswerIndependentQuestions(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	c := testController(t, store, newFakeGateway(), testPaper(3))

	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Fatalf("SetAnswer(0): %v", err)
	}
	if err := c.SetAnswer(ctx, 2, "D"); err != nil {
		t.Fatalf("SetAnswer(2): %v", err)
	}

	if got := c.Answer(0); got != "A" {
		t.Errorf("Answer(0) = %q after writing another question", got)
	}
	if got := c.Answer(1); got != "" {
		t.Errorf("Answer(1) = %q, want empty", got)
	}
}

func TestSetAnswerOutOfRange(t *testing.T) {
	ctx := context.Background()
	c := testController(t, testStore(t), newFakeGateway(), testPaper(3))

	if err := c.SetAnswer(ctx, 3, "A"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetAnswer(3) err = %v, want ErrOutOfRange", err)
	}
	if err := c.SetAnswer(ctx, -1, "A"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetAnswer(-1) err = %v, want ErrOutOfRange", err)
	}
}

func TestNavigateBounds(t *testing.T) {
	ctx := context.Background()
	c := testController(t, testStore(t), newFakeGateway(), testPaper(2))

	// Previous at the first question is a no-op.
	cursor, err := c.Navigate(ctx, "previous")
	if err != nil {
		t.Fatalf("Navigate previous: %v", err)
	}
	if cursor != 0 {
		t.Errorf("cursor = %d after previous at 0, want 0", cursor)
	}

	cursor, err = c.Navigate(ctx, "next")
	if err != nil {
		t.Fatalf("Navigate next: %v", err)
	}
	if cursor != 1 {
		t.Errorf("cursor = %d, want 1", cursor)
	}

	// Next past the last question is a no-op.
	cursor, err = c.Navigate(ctx, "next")
	if err != nil {
		t.Fatalf("Navigate next at end: %v", err)
	}
	if cursor != 1 {
		t.Errorf("cursor = %d after next at end, want 1", cursor)
	}
}

func TestSubmitIncompleteRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	c := testController(t, testStore(t), gw, testPaper(3))

	if err := c.SetAnswer(ctx, 1, "B"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	err := c.Submit(ctx, false)
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Submit err = %v, want *IncompleteError", err)
	}
	if want := []int{0, 2}; len(incomplete.Unanswered) != 2 ||
		incomplete.Unanswered[0] != want[0] || incomplete.Unanswered[1] != want[1] {
		t.Errorf("Unanswered = %v, want %v", incomplete.Unanswered, want)
	}

	// Declining the confirmation leaves the attempt active with no
	// network traffic.
	if got := c.State(); got != StateActive {
		t.Errorf("state = %s after declined confirmation, want ACTIVE", got)
	}
	if gw.callCount() != 0 {
		t.Errorf("gateway called %d times, want 0", gw.callCount())
	}

	// Answers remain editable afterwards.
	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Errorf("SetAnswer after declined confirmation: %v", err)
	}
}

func TestSubmitAcknowledgedIncomplete(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	store := testStore(t)
	c := testController(t, store, gw, testPaper(3))

	if err := c.SetAnswer(ctx, 1, "B"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	if err := c.Submit(ctx, true); err != nil {
		t.Fatalf("Submit acknowledged: %v", err)
	}

	if got := c.State(); got != StateSubmitted {
		t.Errorf("state = %s, want SUBMITTED", got)
	}
	sub := gw.lastSubmission()
	if sub == nil {
		t.Fatal("gateway received no submission")
	}
	if len(sub.Answers) != 3 {
		t.Fatalf("submission has %d answers, want 3", len(sub.Answers))
	}
	if sub.Answers[0].SelectedOption != "" {
		t.Errorf("unanswered question 0 carries %q, want empty", sub.Answers[0].SelectedOption)
	}
	if sub.Answers[1].SelectedOption != "B" {
		t.Errorf("answer 1 = %q, want B", sub.Answers[1].SelectedOption)
	}

	// Side-store is cleared after a confirmed submission.
	if _, err := store.Answers(ctx, c.attempt.ID); err != nil {
		t.Fatalf("Answers after clear: %v", err)
	}
	answers, _ := store.Answers(ctx, c.attempt.ID)
	if len(answers) != 0 {
		t.Errorf("side-store kept %d answers after submission", len(answers))
	}
}

func TestSubmitCompleteNeedsNoConfirmation(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	c := testController(t, testStore(t), gw, testPaper(2))

	for i := 0; i < 2; i++ {
		if err := c.SetAnswer(ctx, i, "A"); err != nil {
			t.Fatalf("SetAnswer(%d): %v", i, err)
		}
	}

	if err := c.Submit(ctx, false); err != nil {
		t.Fatalf("Submit with all answered: %v", err)
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.callCount())
	}
}

func TestConcurrentSubmitSingleGatewayCall(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.block = make(chan struct{})
	c := testController(t, testStore(t), gw, testPaper(1))

	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- c.Submit(ctx, false) }()

	// Wait until the first submission is in flight.
	deadline := time.Now().Add(time.Second)
	for c.State() != StateSubmitting {
		if time.Now().After(deadline) {
			t.Fatal("first submission never entered SUBMITTING")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Submit(ctx, false); !errors.Is(err, ErrSubmitInFlight) {
		t.Errorf("second Submit err = %v, want ErrSubmitInFlight", err)
	}

	close(gw.block)
	if err := <-first; err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.callCount())
	}
}

func TestSubmitAfterSubmitted(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	c := testController(t, testStore(t), gw, testPaper(1))

	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := c.Submit(ctx, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := c.Submit(ctx, false); !errors.Is(err, upstream.ErrAlreadySubmitted) {
		t.Errorf("repeat Submit err = %v, want ErrAlreadySubmitted", err)
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.callCount())
	}
}

func TestSubmitUpstreamAlreadySubmittedIsTerminal(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.err = upstream.ErrAlreadySubmitted
	c := testController(t, testStore(t), gw, testPaper(1))

	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	err := c.Submit(ctx, false)
	if !errors.Is(err, upstream.ErrAlreadySubmitted) {
		t.Fatalf("Submit err = %v, want ErrAlreadySubmitted", err)
	}
	if got := c.State(); got != StateSubmitted {
		t.Errorf("state = %s, want SUBMITTED (409 is benign)", got)
	}
}

func TestSubmitGenericFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.err = errors.New("boom")
	c := testController(t, testStore(t), gw, testPaper(1))

	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	if err := c.Submit(ctx, false); err == nil {
		t.Fatal("Submit err = nil, want failure")
	}
	if got := c.State(); got != StateActive {
		t.Errorf("state = %s after retryable failure, want ACTIVE", got)
	}

	// Retry succeeds once the upstream recovers.
	gw.mu.Lock()
	gw.err = nil
	gw.mu.Unlock()
	if err := c.Submit(ctx, false); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if got := c.State(); got != StateSubmitted {
		t.Errorf("state = %s after retry, want SUBMITTED", got)
	}
}

func TestExpiryForcesSubmission(t *testing.T) {
	gw := newFakeGateway()
	store := testStore(t)
	paper := testPaper(2)
	paper.DurationMinutes = 1

	c := NewController(Config{
		Attempt: model.Attempt{
			ID:        uuid.New(),
			ExamID:    paper.ExamID,
			StudentID: 7,
			// Started almost a full minute ago: expires in ~80ms.
			StartedAt: time.Now().Add(-time.Minute + 80*time.Millisecond),
		},
		Paper:        paper,
		Store:        store,
		Gateway:      gw,
		Bearer:       "test-bearer",
		TickInterval: 10 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
	defer c.Close()

	if err := c.SetAnswer(context.Background(), 1, "B"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	select {
	case <-gw.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry never triggered a submission")
	}

	deadline := time.Now().Add(time.Second)
	for c.State() != StateSubmitted {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after expiry, want SUBMITTED", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	sub := gw.lastSubmission()
	if len(sub.Answers) != 2 {
		t.Fatalf("forced submission has %d answers, want 2", len(sub.Answers))
	}
	if sub.Answers[0].SelectedOption != "" {
		t.Errorf("unanswered question 0 carries %q, want empty", sub.Answers[0].SelectedOption)
	}
	if sub.Answers[1].SelectedOption != "B" {
		t.Errorf("answer 1 = %q, want B", sub.Answers[1].SelectedOption)
	}
}

func TestExpiryFailureQueuesRetry(t *testing.T) {
	gw := newFakeGateway()
	gw.err = errors.New("upstream down")
	paper := testPaper(1)
	paper.DurationMinutes = 1

	requeued := make(chan uuid.UUID, 1)
	attemptID := uuid.New()

	c := NewController(Config{
		Attempt: model.Attempt{
			ID:        attemptID,
			ExamID:    paper.ExamID,
			StudentID: 7,
			StartedAt: time.Now().Add(-2 * time.Minute), // already expired
		},
		Paper:        paper,
		Store:        testStore(t),
		Gateway:      gw,
		Bearer:       "test-bearer",
		TickInterval: 10 * time.Millisecond,
		Log:          zerolog.Nop(),
		Requeue:      func(id uuid.UUID) { requeued <- id },
	})
	defer c.Close()

	select {
	case id := <-requeued:
		if id != attemptID {
			t.Errorf("requeued %s, want %s", id, attemptID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed forced submission was never queued")
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	ctx := context.Background()
	c := testController(t, testStore(t), newFakeGateway(), testPaper(3))

	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if _, err := c.Navigate(ctx, "next"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != string(StateActive) {
		t.Errorf("Status = %s, want ACTIVE", snap.Status)
	}
	if snap.Cursor != 1 {
		t.Errorf("Cursor = %d, want 1", snap.Cursor)
	}
	if snap.AutosavedAnswers["0"] != "A" {
		t.Errorf("AutosavedAnswers[0] = %q, want A", snap.AutosavedAnswers["0"])
	}
	if snap.RemainingSeconds <= 0 {
		t.Errorf("RemainingSeconds = %f, want > 0", snap.RemainingSeconds)
	}
}

func TestOperationsRejectedAfterSubmission(t *testing.T) {
	ctx := context.Background()
	c := testController(t, testStore(t), newFakeGateway(), testPaper(1))

	if err := c.SetAnswer(ctx, 0, "A"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := c.Submit(ctx, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := c.SetAnswer(ctx, 0, "B"); !errors.Is(err, ErrNotActive) {
		t.Errorf("SetAnswer after submit err = %v, want ErrNotActive", err)
	}
	if _, err := c.Navigate(ctx, "next"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Navigate after submit err = %v, want ErrNotActive", err)
	}
}
