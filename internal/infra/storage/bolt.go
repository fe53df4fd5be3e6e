package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const boltOpenTimeout = time.Second

// OpenBolt открывает (или создаёт) файл bbolt, предварительно создав каталог.
func OpenBolt(path string) (*bbolt.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: bolt path is empty")
	}
	if err := EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, filePerm, &bbolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
	}
	return db, nil
}

// JSONStore хранит значения T в бакете bbolt в виде JSON по строковому ключу.
// Формат намеренно простой: одна запись на ключ, без версионирования.
type JSONStore[T any] struct {
	db     *bbolt.DB
	bucket []byte
}

// NewJSONStore создаёт бакет bucket, если его нет.
func NewJSONStore[T any](db *bbolt.DB, bucket string) (*JSONStore[T], error) {
	if db == nil {
		return nil, errors.New("storage: bolt db is nil")
	}
	name := []byte(bucket)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	}); err != nil {
		return nil, fmt.Errorf("storage: create bucket %q: %w", bucket, err)
	}
	return &JSONStore[T]{db: db, bucket: name}, nil
}

// Save сериализует v и записывает под key.
func (s *JSONStore[T]) Save(key string, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %q: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), payload)
	})
}

// Load читает значение key. ok=false, если записи нет.
func (s *JSONStore[T]) Load(key string) (T, bool, error) {
	var (
		out T
		raw []byte
	)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get([]byte(key)); v != nil {
			raw = append(raw, v...)
		}
		return nil
	}); err != nil {
		return out, false, fmt.Errorf("storage: read %q: %w", key, err)
	}
	if raw == nil {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return out, true, nil
}

// Delete удаляет запись key; отсутствие записи ошибкой не считается.
func (s *JSONStore[T]) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Keys возвращает ключи бакета в лексикографическом порядке.
func (s *JSONStore[T]) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
