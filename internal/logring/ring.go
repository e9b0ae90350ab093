// Package logring keeps the most recent output lines of each stream in
// fixed-size circular buffers.
package logring

import (
	"sync"
	"time"
	"unicode/utf8"
)

// Line sources.
const (
	Stdout     = "stdout"
	Stderr     = "stderr"
	Supervisor = "supervisor"
)

// MaxLineBytes bounds a single stored line; longer lines are cut.
const MaxLineBytes = 4 << 10

type Entry struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	StreamID string    `json:"stream_id"`
	Source   string    `json:"source"`
	Text     string    `json:"text"`
}

// Ring is a thread-safe circular buffer with O(1) append. When full, the
// oldest entry is overwritten.
type Ring struct {
	streamID string
	now      func() time.Time

	mu      sync.RWMutex
	entries []Entry
	head    int // next write position
	size    int
	seq     uint64
}

// New returns a Ring holding at most capacity entries.
func New(streamID string, capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		streamID: streamID,
		now:      time.Now,
		entries:  make([]Entry, capacity),
	}
}

// Append stores one line. The write lock covers a single slot assignment.
func (r *Ring) Append(source, text string) {
	if len(text) > MaxLineBytes {
		cut := MaxLineBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	t := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.entries[r.head] = Entry{Seq: r.seq, Time: t, StreamID: r.streamID, Source: source, Text: text}
	r.head = (r.head + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// Snapshot copies up to max most recent entries, oldest first and newest
// last. max <= 0 returns everything held.
func (r *Ring) Snapshot(max int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	capN := len(r.entries)
	out := make([]Entry, n)
	start := (r.head - n + capN) % capN
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%capN]
	}
	return out
}

// Since returns the held entries with Seq > seq, oldest first.
func (r *Ring) Since(seq uint64) []Entry {
	r.mu.RLock()
	newer := int(r.seq - seq)
	r.mu.RUnlock()
	if newer <= 0 {
		return nil
	}
	out := r.Snapshot(newer)
	// entries appended between the two locks are newer still; keep them
	for len(out) > 0 && out[0].Seq <= seq {
		out = out[1:]
	}
	return out
}

// Seq is the sequence number of the last appended entry.
func (r *Ring) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// Len is the number of entries currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap is the ring capacity.
func (r *Ring) Cap() int { return len(r.entries) }
