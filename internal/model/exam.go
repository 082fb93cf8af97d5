package model

import (
	"github.com/google/uuid"
)

// QuestionType enumerates the question kinds the portal can render.
type QuestionType string

const (
	QuestionTypeSingleChoice QuestionType = "single_choice"
	QuestionTypeFreeText     QuestionType = "free_text"
)

// Question is one entry of an exam paper. Questions are supplied by the
// upstream service at session start and never mutated locally.
type Question struct {
	Index    int          `json:"index"`
	Type     QuestionType `json:"type"`
	Prompt   string       `json:"prompt"`
	Choices  []string     `json:"choices,omitempty"`
	MaxMarks int          `json:"max_marks"`
}

// ExamPaper is the exam definition as served by the upstream service:
// title, duration and the ordered question list, without answer keys.
type ExamPaper struct {
	ExamID          uuid.UUID  `json:"exam_id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	TotalMarks      int        `json:"total_marks"`
	Questions       []Question `json:"questions"`
}

// QuestionCount returns the number of questions on the paper.
func (p *ExamPaper) QuestionCount() int {
	return len(p.Questions)
}
