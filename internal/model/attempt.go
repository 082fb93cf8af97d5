package model

import (
	"time"

	"github.com/google/uuid"
)

// Attempt is one student's single timed session against one exam.
// The upstream service guarantees at most one attempt per (student, exam)
// pair; the portal resumes an existing attempt instead of opening a second.
type Attempt struct {
	ID        uuid.UUID `json:"id"`
	ExamID    uuid.UUID `json:"exam_id"`
	StudentID int       `json:"student_id"`
	StartedAt time.Time `json:"started_at"`
	// Cursor is the question index the student is currently on. It is
	// portal state only — the upstream never sees it.
	Cursor int `json:"cursor"`
}

// SubmissionAnswer is one answer entry of a submission. SelectedOption is
// the empty string when the question was left unanswered.
type SubmissionAnswer struct {
	QuestionIndex  int    `json:"question_index"`
	SelectedOption string `json:"selected_option"`
}

// Submission is the payload forwarded to the upstream grading service.
// Answers covers every question index in order, unanswered ones included.
type Submission struct {
	ExamID    uuid.UUID          `json:"exam_id"`
	Answers   []SubmissionAnswer `json:"answers"`
	StartTime time.Time          `json:"start_time"`
	EndTime   time.Time          `json:"end_time"`
}

// AttemptState is the snapshot returned to the frontend, sufficient to
// reconstruct the exam screen after a page reload.
type AttemptState struct {
	AttemptID        uuid.UUID         `json:"attempt_id"`
	ExamID           uuid.UUID         `json:"exam_id"`
	Status           string            `json:"status"`
	Cursor           int               `json:"cursor"`
	RemainingSeconds float64           `json:"remaining_seconds"`
	AutosavedAnswers map[string]string `json:"autosaved_answers"`
}

// ─── Request payloads ───────────────────────────────────────────────

// StudentLoginRequest is the payload for a student login.
type StudentLoginRequest struct {
	NISN     string `json:"nisn" binding:"required,min=4,max=30"`
	Password string `json:"password" binding:"required,min=4"`
}

// SaveAnswerRequest is the payload for saving a single answer.
// Value may be empty — clearing an answer is allowed and stored as-is.
type SaveAnswerRequest struct {
	QuestionIndex *int   `json:"question_index" binding:"required,min=0"`
	Value         string `json:"value"`
}

// NavigateRequest is the payload for moving the question cursor.
type NavigateRequest struct {
	Direction string `json:"direction" binding:"required,oneof=next previous"`
}

// SubmitRequest is the payload for a manual submission.
// AcknowledgeIncomplete must be set to submit with unanswered questions.
type SubmitRequest struct {
	AcknowledgeIncomplete bool `json:"acknowledge_incomplete"`
}
