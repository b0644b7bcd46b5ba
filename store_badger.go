package pulse

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Conversation ids are length-prefixed so that one id can never be a key
// prefix of another ("a" and "a:b").
func messagePrefix(conversationID string) []byte {
	return []byte(fmt.Sprintf("message:%d:%s:", len(conversationID), conversationID))
}

func messageKey(conversationID, id string) []byte {
	return append(messagePrefix(conversationID), id...)
}

func hiddenPrefix(conversationID string) []byte {
	return []byte(fmt.Sprintf("hidden:%d:%s:", len(conversationID), conversationID))
}

func hiddenKey(conversationID, id string) []byte {
	return append(hiddenPrefix(conversationID), id...)
}

// BadgerStore is a persistent Store backed by BadgerDB. Messages are
// CBOR-encoded under message:<len>:<conversation>:<id>.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store in dir. An empty dir keeps the
// database in memory.
func OpenBadgerStore(dir string, log *zap.Logger) (*BadgerStore, error) {
	opt := badger.DefaultOptions(dir)
	if dir == "" {
		opt = opt.WithInMemory(true)
	}
	if log == nil {
		log = zap.NewNop()
	}
	opt = opt.WithLogger(badgerLogger{log.Named("badger").Sugar()})
	db, err := badger.Open(opt)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) PutMessages(conversationID string, msgs []Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, m := range msgs {
			if m.ID == "" || m.IsPending() {
				continue
			}
			serialized, err := cborEnc.Marshal(m)
			if err != nil {
				return err
			}
			if err := txn.Set(messageKey(conversationID, m.ID), serialized); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Messages(conversationID string, limit int, before time.Time) ([]Message, error) {
	var result []Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(conversationID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Message
			err := it.Item().Value(func(val []byte) error {
				return cborDec.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			if before.IsZero() || m.Timestamp.Before(before) {
				result = append(result, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newestPage(result, limit), nil
}

func (s *BadgerStore) Hide(conversationID, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(hiddenKey(conversationID, id), []byte{0xFF}); err != nil {
			return err
		}
		err := txn.Delete(messageKey(conversationID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) Hidden(conversationID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := hiddenPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			out[string(key[len(prefix):])] = struct{}{}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
