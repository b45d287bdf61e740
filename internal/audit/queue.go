package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// queue is the local durable fallback: one JSON entry per line, appended
// on sink failure, drained and rewritten on flush.
type queue struct {
	path string
	mu   sync.Mutex
}

func newQueue(path string) *queue {
	return &queue{path: path}
}

func (q *queue) append(entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// flush passes every queued entry to fn and rewrites the queue with
// whatever fn returns. The queue lock is held across the whole cycle, so
// an append racing the flush waits instead of being truncated away by the
// rewrite.
func (q *queue) flush(fn func([]Entry) []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.drainLocked()
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	return q.rewriteLocked(fn(entries))
}

// drain reads all queued entries.
func (q *queue) drain() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// drainLocked reads all queued entries. Undecodable lines are skipped
// rather than wedging the queue.
func (q *queue) drainLocked() ([]Entry, error) {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}

// rewrite replaces the queue contents with the given entries.
func (q *queue) rewrite(entries []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rewriteLocked(entries)
}

func (q *queue) rewriteLocked(entries []Entry) error {
	if len(entries) == 0 {
		err := os.Remove(q.path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}

	return w.Flush()
}
