// Package playback implements the inbound audio path: a sequencing queue
// that corrects limited reordering, an Opus decoder for dubbed payloads,
// and a player that mixes dubbed audio with the original source under
// ramped gain control.
package playback

import (
	"container/heap"
	"sync"
)

// DropReason explains why the queue discarded an offered buffer.
type DropReason string

const (
	// DropStale marks a sequence at or behind the last played one.
	// Duplicate and out-of-order redelivery lands here.
	DropStale DropReason = "stale"

	// DropWindow marks a sequence too far ahead of the last played one.
	// Queuing it would let latency grow without bound.
	DropWindow DropReason = "window"

	// DropDuplicate marks a sequence already pending.
	DropDuplicate DropReason = "duplicate"
)

// SeqQueue is the gapless playback queue ordered by sequence number.
// Buffers are released strictly in ascending sequence order; sequences lost
// in transit become gaps rather than stalls. All methods are safe for
// concurrent use — the connection's read goroutine offers while the player
// goroutine drains.
type SeqQueue struct {
	window uint64

	mu         sync.Mutex
	lastPlayed uint64
	pending    seqHeap
	present    map[uint64]struct{}
}

// NewSeqQueue creates a queue tolerating reordering within window sequence
// numbers of the playback position.
func NewSeqQueue(window int) *SeqQueue {
	if window <= 0 {
		window = 32
	}
	return &SeqQueue{
		window:  uint64(window),
		present: make(map[uint64]struct{}),
	}
}

// Offer inserts a decoded buffer for the given sequence. Returns the drop
// reason and false when the buffer was discarded: sequences at or behind
// the last played one are idempotently dropped, as are duplicates and
// sequences beyond the pending window.
func (q *SeqQueue) Offer(seq uint64, pcm []byte) (DropReason, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq <= q.lastPlayed {
		return DropStale, false
	}
	if seq > q.lastPlayed+q.window {
		return DropWindow, false
	}
	if _, dup := q.present[seq]; dup {
		return DropDuplicate, false
	}

	q.present[seq] = struct{}{}
	heap.Push(&q.pending, seqEntry{seq: seq, pcm: pcm})
	return "", true
}

// Next releases the lowest pending buffer and advances the playback
// position to its sequence. Returns ok=false when the queue is empty — the
// caller's underrun policy applies; Next never blocks.
func (q *SeqQueue) Next() (pcm []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.pending).(seqEntry)
	delete(q.present, e.seq)
	q.lastPlayed = e.seq
	return e.pcm, true
}

// Len reports the number of pending buffers.
func (q *SeqQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// LastPlayed returns the sequence of the most recently released buffer.
func (q *SeqQueue) LastPlayed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPlayed
}

// Reset empties the queue and rewinds the playback position. Used when a
// session restarts the inbound stream.
func (q *SeqQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.pending[:0]
	q.present = make(map[uint64]struct{})
	q.lastPlayed = 0
}

// seqEntry is one pending buffer keyed by sequence number.
type seqEntry struct {
	seq uint64
	pcm []byte
}

// seqHeap is a min-heap of pending buffers ordered by sequence.
type seqHeap []seqEntry

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)         { *h = append(*h, x.(seqEntry)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
