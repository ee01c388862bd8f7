package ratesaudit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// RingBuffer keeps the most recent Cap() values pushed into it.
type RingBuffer[T any] struct {
	items []T
	start int
	size  int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, max(capacity, 1))}
}

func (b *RingBuffer[T]) Push(v T) {
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = v
		b.size++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
}

// Items returns the retained values, oldest first.
func (b *RingBuffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

func (b *RingBuffer[T]) Len() int { return b.size }
func (b *RingBuffer[T]) Cap() int { return len(b.items) }

// Collector folds an audit stream. Totals are exact; only the latest
// mismatches are retained.
type Collector struct {
	Recent     *RingBuffer[Event]
	Seen       int
	Checked    int
	Total      int
	Mismatches int
	Missing    int
	Errors     int
	Done       bool
}

func NewCollector(keep int) *Collector {
	return &Collector{Recent: NewRingBuffer[Event](keep)}
}

func (c *Collector) Add(evt Event) {
	switch evt.Type {
	case EventMismatch:
		c.Seen++
		c.Recent.Push(evt)
	case EventProgress, EventDone:
		c.Checked, c.Total = evt.Checked, evt.Total
		c.Mismatches, c.Missing, c.Errors = evt.Mismatches, evt.Missing, evt.Errors
		c.Done = evt.Type == EventDone
	}
}

// Consume reads NDJSON events from r until EOF or ctx is done. onEvent, if
// set, sees every event after it has been folded.
func (c *Collector) Consume(ctx context.Context, r io.Reader, onEvent func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return fmt.Errorf("invalid audit event: %w", err)
		}
		c.Add(evt)
		if onEvent != nil {
			onEvent(evt)
		}
	}
	return scanner.Err()
}
