// Package memory is the lesson store behind the closed-loop learning
// side-channel: distilled planning lessons are persisted and recalled by
// approximate match against future queries.
package memory

import (
	"context"
	"time"
)

// lessonKeyPrefix is the single logical namespace for lessons.
const lessonKeyPrefix = "lesson:"

// Lesson is one distilled, reusable planning insight.
type Lesson struct {
	ID          string    `json:"id"`
	Lesson      string    `json:"lesson"`
	SourceQuery string    `json:"source_query"`
	Timestamp   time.Time `json:"timestamp"`
}

// LessonStore persists lessons and retrieves them most-relevant-first.
type LessonStore interface {
	Put(ctx context.Context, l Lesson) error
	Search(ctx context.Context, query string, limit int) ([]Lesson, error)
}
