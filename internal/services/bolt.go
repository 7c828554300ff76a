package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the proxy transcript store using a BoltDB backend. Threads live in a single bucket
// keyed by thread id, and the messages of each thread in a bucket of their own, keyed by a sequence
// number so iteration follows insertion order.
type BoltDB struct {
	db *bolt.DB
}

var threadsBucket = []byte("threads")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(threadsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create threads bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

func messageBucketName(threadID string) []byte {
	return []byte(fmt.Sprintf("thread-%s", threadID))
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Threads retrieves all stored threads, most recently updated first.
func (b BoltDB) Threads(context.Context) ([]models.Thread, error) {
	var threads []models.Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).ForEach(func(_, v []byte) error {
			var thread models.Thread
			if err := json.Unmarshal(v, &thread); err != nil {
				return fmt.Errorf("failed to unmarshal thread: %w", err)
			}
			threads = append(threads, thread)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(threads, func(a, b models.Thread) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return threads, nil
}

// Thread retrieves the thread with the given id. The boolean result reports whether it exists.
func (b BoltDB) Thread(_ context.Context, threadID string) (models.Thread, bool, error) {
	var thread models.Thread
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(threadsBucket).Get([]byte(threadID))
		if v == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(v, &thread); err != nil {
			return fmt.Errorf("failed to unmarshal thread: %w", err)
		}
		return nil
	})
	return thread, found, err
}

// SaveThread creates or replaces a thread record, creating its message bucket if needed.
func (b BoltDB) SaveThread(_ context.Context, thread models.Thread) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(thread.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(thread)
		if err != nil {
			return fmt.Errorf("failed to marshal thread: %w", err)
		}

		return tx.Bucket(threadsBucket).Put([]byte(thread.ID), v)
	})
}

// Messages retrieves all messages of the given thread in their stored order. An unknown thread has
// no messages.
func (b BoltDB) Messages(_ context.Context, threadID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(threadID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessages appends messages to the given thread, creating the thread bucket if needed.
func (b BoltDB) AddMessages(_ context.Context, threadID string, messages ...models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(messageBucketName(threadID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for _, message := range messages {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}

			v, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}

			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := b.Put(key, v); err != nil {
				return err
			}
		}
		return nil
	})
}
