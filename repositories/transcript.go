package repositories

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"peer-chat/domain"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const DefaultCapacity = 100

// TranscriptRepository is the capacity-bounded local log of messages keyed by
// (local user, target).
type TranscriptRepository struct {
	mu       sync.Mutex
	db       *badger.DB
	log      *slog.Logger
	capacity int
}

func NewTranscriptRepository(db *badger.DB, log *slog.Logger, capacity int) *TranscriptRepository {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TranscriptRepository{db: db, log: log, capacity: capacity}
}

// window is the [first, next) range of live sequence numbers of a transcript.
type window struct {
	first uint64
	next  uint64
}

// Append stores a message at the tail of the transcript.
// Rows are keyed "messages_{local}_{target}/{seq19}" so a prefix scan returns
// them in insertion order. When the transcript exceeds its capacity, the
// oldest rows are deleted in the same transaction.
func (r *TranscriptRepository) Append(localUser, targetID string, message domain.Message) error {
	bytes, err := encodeMessage(message)
	if err != nil {
		return err
	}
	base := domain.TranscriptKey(localUser, targetID)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Update(func(txn *badger.Txn) error {
		w, err := readWindow(txn, base)
		if err != nil {
			return err
		}
		if err = txn.Set(rowKey(base, w.next), bytes); err != nil {
			return err
		}
		w.next++
		for w.next-w.first > uint64(r.capacity) {
			if err = txn.Delete(rowKey(base, w.first)); err != nil {
				return err
			}
			w.first++
		}
		return txn.Set(metaKey(base), encodeWindow(w))
	})
}

// Read returns the current bounded transcript in insertion order.
// It never fails: storage errors are logged and an empty transcript returned.
func (r *TranscriptRepository) Read(localUser, targetID string) []domain.Message {
	prefix := []byte(domain.TranscriptKey(localUser, targetID) + "/")
	var messages []domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				message, err := decodeMessage(value)
				if err != nil {
					return err
				}
				messages = append(messages, message)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to read transcript", "local", localUser, "target", targetID, "error", err)
		return []domain.Message{}
	}
	if messages == nil {
		return []domain.Message{}
	}
	return messages
}

// Clear removes every row of the transcript and its window.
// The group cursor is kept so a replay does not bring cleared rows back.
func (r *TranscriptRepository) Clear(localUser, targetID string) error {
	base := domain.TranscriptKey(localUser, targetID)
	prefix := []byte(base + "/")

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Update(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = prefix
		it := txn.NewIterator(options)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(metaKey(base))
	})
}

// Row is a stored transcript message with its storage key.
type Row struct {
	Key     string
	Message domain.Message
}

// Rows lists the message rows whose key starts with prefix, skipping window
// and cursor metadata. An empty prefix lists every transcript.
func (r *TranscriptRepository) Rows(prefix string) ([]Row, error) {
	if prefix == "" {
		prefix = domain.TranscriptPrefix
	}
	var rows []Row
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte(prefix)
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if strings.ContainsRune(key, '#') {
				continue
			}
			err := item.Value(func(value []byte) error {
				message, err := decodeMessage(value)
				if err != nil {
					return fmt.Errorf("row %s: %w", key, err)
				}
				rows = append(rows, Row{Key: key, Message: message})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return rows, err
}

// Cursor returns the last group stream sequence ingested for a target.
func (r *TranscriptRepository) Cursor(localUser, targetID string) uint64 {
	var seq uint64
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(domain.TranscriptKey(localUser, targetID)))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			if len(value) != 8 {
				return fmt.Errorf("corrupted cursor of %d bytes", len(value))
			}
			seq = binary.BigEndian.Uint64(value)
			return nil
		})
	})
	if err != nil && err != badger.ErrKeyNotFound {
		r.log.Error("Failed to read group cursor", "local", localUser, "target", targetID, "error", err)
	}
	return seq
}

func (r *TranscriptRepository) SetCursor(localUser, targetID string, seq uint64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, seq)
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey(domain.TranscriptKey(localUser, targetID)), value)
	})
}

func rowKey(base string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%019d", base, seq))
}

func metaKey(base string) []byte {
	return []byte(base + "#meta")
}

func cursorKey(base string) []byte {
	return []byte(base + "#cursor")
}

func readWindow(txn *badger.Txn, base string) (window, error) {
	item, err := txn.Get(metaKey(base))
	if err == badger.ErrKeyNotFound {
		return window{}, nil
	}
	if err != nil {
		return window{}, err
	}
	var w window
	err = item.Value(func(value []byte) error {
		if len(value) != 16 {
			return fmt.Errorf("corrupted transcript window of %d bytes", len(value))
		}
		w.first = binary.BigEndian.Uint64(value[:8])
		w.next = binary.BigEndian.Uint64(value[8:])
		return nil
	})
	return w, err
}

func encodeWindow(w window) []byte {
	value := make([]byte, 16)
	binary.BigEndian.PutUint64(value[:8], w.first)
	binary.BigEndian.PutUint64(value[8:], w.next)
	return value
}

func encodeMessage(message domain.Message) ([]byte, error) {
	row, err := structpb.NewStruct(map[string]any{
		"text":      message.Text,
		"sender":    message.SenderID,
		"timestamp": message.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(row)
}

func decodeMessage(value []byte) (domain.Message, error) {
	var row structpb.Struct
	if err := proto.Unmarshal(value, &row); err != nil {
		return domain.Message{}, err
	}
	fields := row.GetFields()
	at, err := time.Parse(time.RFC3339Nano, fields["timestamp"].GetStringValue())
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		Text:      fields["text"].GetStringValue(),
		SenderID:  fields["sender"].GetStringValue(),
		Timestamp: at.UTC(),
	}, nil
}
