// Package badger saves consumers in BadgerDB so an in-memory registry can
// restore their generation and status after a restart.
//
// Key layout:
//
//	c/{kind}/{namespace}/{name} -> JSON consumer
//
// Key segments are path-escaped. The prefix does not overlap the event
// feed's keys, so both can share one database.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v4"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/registry"
	"eventbroker/internal/resources"
)

const consumerPrefix = "c/"

// Store is a registry.Store in BadgerDB.
type Store struct {
	db *badger.DB
}

var _ registry.Store = (*Store)(nil)

// New creates a store on an open database. The caller owns db.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Load(ctx context.Context, kind resources.Kind, name, namespace string) (*resources.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c resources.Consumer
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(consumerKey(kind, name, namespace))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.NotFound(string(kind), namespace+"/"+name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load consumer %s/%s: %w", namespace, name, err)
	}
	return &c, nil
}

func (s *Store) Save(ctx context.Context, c *resources.Consumer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode consumer: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(consumerKey(c.Kind, c.Metadata.Name, c.Metadata.Namespace), data)
	})
}

func (s *Store) Delete(ctx context.Context, kind resources.Kind, name, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(consumerKey(kind, name, namespace))
	})
}

func consumerKey(kind resources.Kind, name, namespace string) []byte {
	return []byte(consumerPrefix + url.PathEscape(string(kind)) + "/" + url.PathEscape(namespace) + "/" + url.PathEscape(name))
}
