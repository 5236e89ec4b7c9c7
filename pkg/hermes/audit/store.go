package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Store defines the interface for persisting audit events.
type Store interface {
	Write(ctx context.Context, event *Event) error
}

// LogStore writes audit events to a simple log file or writer.
// It is safe for concurrent use.
type LogStore struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogStore creates a new LogStore writing to the provided writer.
func NewLogStore(w io.Writer) *LogStore {
	return &LogStore{
		writer: w,
	}
}

// NewFileStore creates a new LogStore appending to a file.
func NewFileStore(path string) (*LogStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewLogStore(f), nil
}

// Write writes the event to the underlying writer as a JSON line.
func (s *LogStore) Write(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.writer.Write(append(data, '\n'))
	return err
}

// Close closes the writer when it is closable.
func (s *LogStore) Close() error {
	if c, ok := s.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadLog decodes a JSON-lines audit log.
func ReadLog(r io.Reader) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// MemoryStore keeps events in memory.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Write(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns recorded events of type t.
func (s *MemoryStore) OfType(t Type) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// TamperEvidentStore wraps a Store and adds HMAC chaining.
type TamperEvidentStore struct {
	store        Store
	chainManager *ChainManager
	lastHash     string
	mu           sync.Mutex
}

// NewTamperEvidentStore creates a new TamperEvidentStore.
func NewTamperEvidentStore(store Store, chainManager *ChainManager) *TamperEvidentStore {
	return &TamperEvidentStore{
		store:        store,
		chainManager: chainManager,
	}
}

// Resume continues an existing chain whose last hash is lastHash.
func (s *TamperEvidentStore) Resume(lastHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHash = lastHash
}

// Write computes the hash for the event (chaining it to the previous one) and writes it to the underlying store.
func (s *TamperEvidentStore) Write(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.PreviousHash = s.lastHash
	hash, err := s.chainManager.ComputeHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash

	if err := s.store.Write(ctx, event); err != nil {
		return err
	}
	s.lastHash = hash
	return nil
}
