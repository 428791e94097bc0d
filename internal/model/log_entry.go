package model

import "time"

type Category string

const (
	CategoryReceived   Category = "received"
	CategoryFiltered   Category = "filtered"
	CategoryProcessed  Category = "processed"
	CategorySendFailed Category = "send_failed"
	CategoryRetry      Category = "retry"
	CategoryError      Category = "error"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryReceived, CategoryFiltered, CategoryProcessed,
		CategorySendFailed, CategoryRetry, CategoryError:
		return true
	}
	return false
}

type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
}

// LogQuery selects log entries. Zero Category and Since match everything.
type LogQuery struct {
	Category Category
	Since    time.Time
	Limit    int
	Offset   int
}

const DefaultLogLimit = 50

// Normalize applies the default page size and clamps a negative offset.
func (q LogQuery) Normalize() LogQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLogLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether e passes the category and since filters.
func (q LogQuery) Matches(e LogEntry) bool {
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	return q.Since.IsZero() || !e.Timestamp.Before(q.Since)
}
