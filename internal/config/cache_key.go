package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// UpstreamTokenKey returns the cache key for a student's upstream bearer token
func (r *CacheKeyStruct) UpstreamTokenKey(studentID int) string {
	return fmt.Sprintf("login:%d:upstream_token", studentID)
}

// AttemptAnswersKey returns the cache key for an attempt's answer hash
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptClockKey returns the cache key for an attempt's clock hash
func (r *CacheKeyStruct) AttemptClockKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:clock", attemptID)
}

// AttemptCursorKey returns the cache key for an attempt's question cursor
func (r *CacheKeyStruct) AttemptCursorKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:cursor", attemptID)
}

// AttemptMetaKey returns the cache key for an attempt's metadata hash
func (r *CacheKeyStruct) AttemptMetaKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:meta", attemptID)
}

// StudentAttemptKey returns the cache key mapping a (student, exam) pair
// to its attempt ID, used for resume.
func (r *CacheKeyStruct) StudentAttemptKey(studentID int, examID string) string {
	return fmt.Sprintf("student:%d:exam:%s:attempt", studentID, examID)
}

// ActiveAttemptsKey returns the key of the set of attempt IDs that have
// not been submitted yet.
func (r *CacheKeyStruct) ActiveAttemptsKey() string {
	return "attempts:active"
}

var CacheKey = NewCacheKeyStruct()
