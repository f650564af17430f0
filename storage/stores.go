package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/alertstream/common"
)

// ErrNotFound the requested entry does not exist
var ErrNotFound = fmt.Errorf("entry not found")

// Pagination page selection for listing queries
type Pagination struct {
	// Page is the zero-based page index
	Page int `json:"page" validate:"gte=0"`
	// Size is the number of entries per page
	Size int `json:"size" validate:"gte=1,lte=500"`
}

// RecordPage one page of records, newest published first
type RecordPage struct {
	Records       []common.Record `json:"records"`
	Page          int             `json:"page"`
	Size          int             `json:"size"`
	TotalElements int             `json:"total_elements"`
	TotalPages    int             `json:"total_pages"`
}

// RecordStatistics record count summary
type RecordStatistics struct {
	TotalCount    int `json:"total_count"`
	TodayCount    int `json:"today_count"`
	ThisWeekCount int `json:"this_week_count"`
}

// RecordStore persistence boundary for news records
type RecordStore interface {
	// Get fetch one record. Returns ErrNotFound if unknown.
	Get(ctxt context.Context, recordID string) (common.Record, error)
	// Exists whether a record is known
	Exists(ctxt context.Context, recordID string) (bool, error)
	// Save create or replace a record
	Save(ctxt context.Context, record common.Record) (common.Record, error)
	// List list records, newest published first
	List(ctxt context.Context, page Pagination) (RecordPage, error)
	// Recent get the newest records
	Recent(ctxt context.Context, limit int) ([]common.Record, error)
	// ByPeriod get records published within [start, end], newest first
	ByPeriod(ctxt context.Context, start, end time.Time) ([]common.Record, error)
	// Search list records whose title contains the keyword, newest published first
	Search(ctxt context.Context, keyword string, page Pagination) (RecordPage, error)
	// Statistics get the record count summary
	Statistics(ctxt context.Context) (RecordStatistics, error)
}

// SubscriberStore persistence boundary for subscribers
type SubscriberStore interface {
	// Get fetch one subscriber. Returns ErrNotFound if unknown.
	Get(ctxt context.Context, subscriberID string) (common.Subscriber, error)
	// GetByToken fetch the subscriber owning a credential token. Returns ErrNotFound if unknown.
	GetByToken(ctxt context.Context, token string) (common.Subscriber, error)
	// Save create or replace a subscriber
	Save(ctxt context.Context, subscriber common.Subscriber) (common.Subscriber, error)
	// ListActive list the active subscribers
	ListActive(ctxt context.Context) ([]common.Subscriber, error)
	// ListConnected list the active subscribers which have a bound connection
	ListConnected(ctxt context.Context) ([]common.Subscriber, error)
}
