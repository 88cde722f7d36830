// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import "sync"

// MaxSeq is the sequence number space size. Sequence numbers live in
// [0, MaxSeq) and wrap, which uint16 arithmetic gives us for free.
const MaxSeq = 1 << 16

// SequenceNumber is a monotonic modulo-2^16 counter.
type SequenceNumber struct {
	mu    sync.Mutex
	value uint16
}

// NewSequenceNumber creates a counter starting at zero.
func NewSequenceNumber() *SequenceNumber {
	return &SequenceNumber{}
}

// Next returns the current value and increments the counter modulo 2^16.
func (s *SequenceNumber) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.value
	s.value++
	return cur
}

// InWindow reports whether seq lies in [base, base+window) modulo 2^16.
// The subtraction wraps, so the predicate is correct whether or not the
// window crosses the modular boundary.
func InWindow(seq, base uint16, window int) bool {
	return int(seq-base) < window
}

// seqDistance returns the modular distance from `from` up to `to`,
// i.e. how many increments move `from` onto `to`.
func seqDistance(from, to uint16) int {
	return int(to - from)
}
