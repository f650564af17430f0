package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/apex/log"
)

const recordKeyPrefix = "record/"

// kvRecordStore RecordStore on top of a KeyValueStore
type kvRecordStore struct {
	common.Component
	kv  KeyValueStore
	now func() time.Time
}

// GetRecordStore define a record store persisting into the given key-value store
func GetRecordStore(kv KeyValueStore, now func() time.Time) RecordStore {
	if now == nil {
		now = time.Now
	}
	logTags := log.Fields{"module": "storage", "component": "record-store"}
	return &kvRecordStore{Component: common.Component{LogTags: logTags}, kv: kv, now: now}
}

func recordKey(recordID string) string {
	return recordKeyPrefix + recordID
}

func (s *kvRecordStore) Get(ctxt context.Context, recordID string) (common.Record, error) {
	var record common.Record
	if err := s.kv.Get(ctxt, recordKey(recordID), &record); err != nil {
		return common.Record{}, err
	}
	return record, nil
}

func (s *kvRecordStore) Exists(ctxt context.Context, recordID string) (bool, error) {
	_, err := s.Get(ctxt, recordID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *kvRecordStore) Save(ctxt context.Context, record common.Record) (common.Record, error) {
	if record.ID == "" {
		return common.Record{}, fmt.Errorf("record ID is empty")
	}
	timestamp := s.now().UTC()
	if existing, err := s.Get(ctxt, record.ID); err == nil {
		record.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return common.Record{}, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = timestamp
	}
	if record.PublishedAt.IsZero() {
		record.PublishedAt = timestamp
	}
	record.UpdatedAt = timestamp
	if err := s.kv.Set(ctxt, recordKey(record.ID), record); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to save %s", record)
		return common.Record{}, err
	}
	log.WithFields(s.LogTags).Infof("Saved %s", record)
	return record, nil
}

// newestFirst read all records accepted by the filter, newest published first
func (s *kvRecordStore) newestFirst(
	ctxt context.Context, accept func(common.Record) bool,
) ([]common.Record, error) {
	result := []common.Record{}
	err := s.kv.Range(ctxt, recordKeyPrefix, func(key string, value []byte) error {
		var record common.Record
		if err := record.Scan(value); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to parse entry %s", key)
			return err
		}
		if accept(record) {
			result = append(result, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].PublishedAt.After(result[j].PublishedAt)
	})
	return result, nil
}

func paginate(records []common.Record, page Pagination) (RecordPage, error) {
	if page.Page < 0 || page.Size < 1 {
		return RecordPage{}, fmt.Errorf("invalid pagination %d/%d", page.Page, page.Size)
	}
	total := len(records)
	result := RecordPage{
		Records:       []common.Record{},
		Page:          page.Page,
		Size:          page.Size,
		TotalElements: total,
		TotalPages:    (total + page.Size - 1) / page.Size,
	}
	start := page.Page * page.Size
	if start >= total {
		return result, nil
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	result.Records = records[start:end]
	return result, nil
}

func (s *kvRecordStore) List(ctxt context.Context, page Pagination) (RecordPage, error) {
	records, err := s.newestFirst(ctxt, func(common.Record) bool { return true })
	if err != nil {
		return RecordPage{}, err
	}
	return paginate(records, page)
}

func (s *kvRecordStore) Recent(ctxt context.Context, limit int) ([]common.Record, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be positive: %d", limit)
	}
	records, err := s.newestFirst(ctxt, func(common.Record) bool { return true })
	if err != nil {
		return nil, err
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *kvRecordStore) ByPeriod(
	ctxt context.Context, start, end time.Time,
) ([]common.Record, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("period end %s is before start %s", end, start)
	}
	return s.newestFirst(ctxt, func(record common.Record) bool {
		return !record.PublishedAt.Before(start) && !record.PublishedAt.After(end)
	})
}

func (s *kvRecordStore) Search(
	ctxt context.Context, keyword string, page Pagination,
) (RecordPage, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return RecordPage{}, fmt.Errorf("search keyword is empty")
	}
	records, err := s.newestFirst(ctxt, func(record common.Record) bool {
		return strings.Contains(strings.ToLower(record.Title), keyword)
	})
	if err != nil {
		return RecordPage{}, err
	}
	return paginate(records, page)
}

func (s *kvRecordStore) Statistics(ctxt context.Context) (RecordStatistics, error) {
	now := s.now()
	year, month, day := now.Date()
	startOfToday := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	weekAgo := now.Add(-time.Hour * 24 * 7)
	stats := RecordStatistics{}
	_, err := s.newestFirst(ctxt, func(record common.Record) bool {
		stats.TotalCount++
		published := record.PublishedAt.In(now.Location())
		if !published.Before(startOfToday) && !published.After(now) {
			stats.TodayCount++
		}
		if !published.Before(weekAgo) && !published.After(now) {
			stats.ThisWeekCount++
		}
		return false
	})
	if err != nil {
		return RecordStatistics{}, err
	}
	return stats, nil
}
