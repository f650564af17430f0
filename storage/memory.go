package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alwitt/alertstream/common"
	"github.com/apex/log"
)

// KeyValueStore a key-value store holding serialized entries
type KeyValueStore interface {
	// Set record a K/V pair
	Set(ctxt context.Context, key string, value driver.Valuer) error
	// Get read a K/V pair. Returns ErrNotFound if the key is unknown.
	Get(ctxt context.Context, key string, result sql.Scanner) error
	// Delete delete a key
	Delete(ctxt context.Context, key string) error
	// Range call the visitor on every entry whose key starts with the prefix, in key order
	Range(ctxt context.Context, prefix string, visitor func(key string, value []byte) error) error
}

// memoryKVStore in-process KeyValueStore
type memoryKVStore struct {
	common.Component
	lock    sync.RWMutex
	entries map[string][]byte
}

// GetMemoryKVStore define an in-process key-value store
func GetMemoryKVStore(name string) KeyValueStore {
	logTags := log.Fields{"module": "storage", "component": "memory-kv", "instance": name}
	return &memoryKVStore{
		Component: common.Component{LogTags: logTags},
		entries:   make(map[string][]byte),
	}
}

func (s *memoryKVStore) Set(ctxt context.Context, key string, value driver.Valuer) error {
	serialized, err := value.Value()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	asBytes, ok := serialized.([]byte)
	if !ok {
		err := fmt.Errorf("unable to convert value output to []byte for storage")
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries[key] = asBytes
	log.WithFields(s.LogTags).Debugf("SET %s", key)
	return nil
}

func (s *memoryKVStore) Get(ctxt context.Context, key string, result sql.Scanner) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	s.lock.RLock()
	stored, ok := s.entries[key]
	s.lock.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := result.Scan(stored); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to parse %s", key)
		return err
	}
	return nil
}

func (s *memoryKVStore) Delete(ctxt context.Context, key string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryKVStore) Range(
	ctxt context.Context, prefix string, visitor func(key string, value []byte) error,
) error {
	type entry struct {
		key   string
		value []byte
	}
	s.lock.RLock()
	matched := []entry{}
	for key, value := range s.entries {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, entry{key: key, value: value})
		}
	}
	s.lock.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].key < matched[j].key })
	for _, oneEntry := range matched {
		if err := ctxt.Err(); err != nil {
			return err
		}
		if err := visitor(oneEntry.key, oneEntry.value); err != nil {
			return err
		}
	}
	return nil
}
