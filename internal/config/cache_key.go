package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AutosaveKey returns the key of the in-progress answers of one student for one exam.
// Namespaced by both ids so shared devices never mix students.
func (r *CacheKeyStruct) AutosaveKey(examID string, studentID int) string {
	return fmt.Sprintf("exam:%s:student:%d", examID, studentID)
}

// ExamPayloadKey returns the cache key for an exam's payload
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

var CacheKey = NewCacheKeyStruct()
