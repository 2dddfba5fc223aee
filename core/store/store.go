// Package store archives the transcripts of finished sessions in a badger
// database.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/koscakluka/ema-pipeline/core/conversations"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrNotFound = errors.New("transcript not found")

const transcriptPrefix = "transcript/"

type Store struct {
	db *badger.DB
}

type options struct {
	inMemory bool
}

type Option func(*options)

// InMemory keeps the archive in memory only.
func InMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// Open opens (or creates) the archive in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if dir == "" && !o.inMemory {
		return nil, fmt.Errorf("transcript archive needs a directory")
	}

	dbOptions := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	if o.inMemory {
		dbOptions = dbOptions.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript archive: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type record struct {
	SessionID string          `msgpack:"session_id"`
	StartedAt time.Time       `msgpack:"started_at"`
	EndedAt   time.Time       `msgpack:"ended_at"`
	Messages  []recordMessage `msgpack:"messages"`
}

type recordMessage struct {
	Role       string           `msgpack:"role"`
	Content    string           `msgpack:"content,omitempty"`
	ToolCallID string           `msgpack:"tool_call_id,omitempty"`
	ToolCalls  []recordToolCall `msgpack:"tool_calls,omitempty"`
}

type recordToolCall struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	Arguments string `msgpack:"arguments"`
}

func toRecord(transcript conversations.Transcript) record {
	r := record{
		SessionID: transcript.SessionID,
		StartedAt: transcript.StartedAt,
		EndedAt:   transcript.EndedAt,
		Messages:  make([]recordMessage, 0, len(transcript.Messages)),
	}
	for _, message := range transcript.Messages {
		stored := recordMessage{Role: string(message.Role), Content: message.Content, ToolCallID: message.ToolCallID}
		for _, call := range message.ToolCalls {
			stored.ToolCalls = append(stored.ToolCalls, recordToolCall(call))
		}
		r.Messages = append(r.Messages, stored)
	}
	return r
}

func (r record) transcript() conversations.Transcript {
	transcript := conversations.Transcript{
		SessionID: r.SessionID,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Messages:  make([]llms.Message, 0, len(r.Messages)),
	}
	for _, stored := range r.Messages {
		message := llms.Message{Role: llms.Role(stored.Role), Content: stored.Content, ToolCallID: stored.ToolCallID}
		for _, call := range stored.ToolCalls {
			message.ToolCalls = append(message.ToolCalls, llms.ToolCall(call))
		}
		transcript.Messages = append(transcript.Messages, message)
	}
	return transcript
}

// SaveTranscript stores the transcript of a session, replacing an earlier
// one of the same session.
func (s *Store) SaveTranscript(_ context.Context, transcript conversations.Transcript) error {
	if transcript.SessionID == "" {
		return fmt.Errorf("transcript has no session id")
	}

	data, err := msgpack.Marshal(toRecord(transcript))
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(transcriptPrefix+transcript.SessionID), data)
	}); err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}

	logger.Debug("transcript archived", "session_id", transcript.SessionID, "messages", len(transcript.Messages))
	return nil
}

func (s *Store) Get(_ context.Context, sessionID string) (conversations.Transcript, error) {
	var r record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(transcriptPrefix + sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return msgpack.Unmarshal(data, &r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return conversations.Transcript{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	} else if err != nil {
		return conversations.Transcript{}, fmt.Errorf("failed to load transcript: %w", err)
	}
	return r.transcript(), nil
}

// List returns the archived transcripts, the most recent session first. A
// limit of 0 or less returns all of them.
func (s *Store) List(_ context.Context, limit int) ([]conversations.Transcript, error) {
	var records []record
	err := s.db.View(func(txn *badger.Txn) error {
		iterOptions := badger.DefaultIteratorOptions
		iterOptions.Prefix = []byte(transcriptPrefix)
		it := txn.NewIterator(iterOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r record
			if err := it.Item().Value(func(data []byte) error {
				return msgpack.Unmarshal(data, &r)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	slices.SortFunc(records, func(a, b record) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	transcripts := make([]conversations.Transcript, 0, len(records))
	for _, r := range records {
		transcripts = append(transcripts, r.transcript())
	}
	return transcripts, nil
}

func (s *Store) Delete(_ context.Context, sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(transcriptPrefix + sessionID))
	})
}
