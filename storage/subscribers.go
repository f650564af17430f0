package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/alertstream/common"
	"github.com/apex/log"
)

const subscriberKeyPrefix = "subscriber/"

// kvSubscriberStore SubscriberStore on top of a KeyValueStore
type kvSubscriberStore struct {
	common.Component
	kv KeyValueStore
}

// GetSubscriberStore define a subscriber store persisting into the given key-value store
func GetSubscriberStore(kv KeyValueStore) SubscriberStore {
	logTags := log.Fields{"module": "storage", "component": "subscriber-store"}
	return &kvSubscriberStore{Component: common.Component{LogTags: logTags}, kv: kv}
}

func subscriberKey(subscriberID string) string {
	return subscriberKeyPrefix + subscriberID
}

func (s *kvSubscriberStore) Get(
	ctxt context.Context, subscriberID string,
) (common.Subscriber, error) {
	var subscriber common.Subscriber
	if err := s.kv.Get(ctxt, subscriberKey(subscriberID), &subscriber); err != nil {
		return common.Subscriber{}, err
	}
	return subscriber, nil
}

// filter read all subscribers accepted by the filter, in ID order
func (s *kvSubscriberStore) filter(
	ctxt context.Context, accept func(common.Subscriber) bool,
) ([]common.Subscriber, error) {
	result := []common.Subscriber{}
	err := s.kv.Range(ctxt, subscriberKeyPrefix, func(key string, value []byte) error {
		var subscriber common.Subscriber
		if err := subscriber.Scan(value); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to parse entry %s", key)
			return err
		}
		if accept(subscriber) {
			result = append(result, subscriber)
		}
		return nil
	})
	return result, err
}

func (s *kvSubscriberStore) GetByToken(
	ctxt context.Context, token string,
) (common.Subscriber, error) {
	if token == "" {
		return common.Subscriber{}, ErrNotFound
	}
	matched, err := s.filter(ctxt, func(subscriber common.Subscriber) bool {
		return subscriber.Token == token
	})
	if err != nil {
		return common.Subscriber{}, err
	}
	if len(matched) == 0 {
		return common.Subscriber{}, ErrNotFound
	}
	return matched[0], nil
}

func (s *kvSubscriberStore) Save(
	ctxt context.Context, subscriber common.Subscriber,
) (common.Subscriber, error) {
	if subscriber.ID == "" {
		return common.Subscriber{}, fmt.Errorf("subscriber ID is empty")
	}
	if subscriber.Token != "" {
		owner, err := s.GetByToken(ctxt, subscriber.Token)
		if err == nil && owner.ID != subscriber.ID {
			return common.Subscriber{}, fmt.Errorf("token already issued to another subscriber")
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return common.Subscriber{}, err
		}
	}
	if err := s.kv.Set(ctxt, subscriberKey(subscriber.ID), subscriber); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to save %s", subscriber)
		return common.Subscriber{}, err
	}
	log.WithFields(s.LogTags).Debugf("Saved %s", subscriber)
	return subscriber, nil
}

func (s *kvSubscriberStore) ListActive(ctxt context.Context) ([]common.Subscriber, error) {
	return s.filter(ctxt, func(subscriber common.Subscriber) bool { return subscriber.Active })
}

func (s *kvSubscriberStore) ListConnected(ctxt context.Context) ([]common.Subscriber, error) {
	return s.filter(ctxt, func(subscriber common.Subscriber) bool {
		return subscriber.Active && subscriber.Bound()
	})
}
