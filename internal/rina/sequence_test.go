// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"testing"
)

func TestSequenceNumberNext(t *testing.T) {
	s := NewSequenceNumber()
	for i := 0; i < 5; i++ {
		if got := s.Next(); got != uint16(i) {
			t.Fatalf("Next() = %d, want %d", got, i)
		}
	}
}

func TestSequenceNumberWraps(t *testing.T) {
	s := NewSequenceNumber()
	s.value = 65535
	if got := s.Next(); got != 65535 {
		t.Fatalf("Next() = %d, want 65535", got)
	}
	if got := s.Next(); got != 0 {
		t.Fatalf("Next() after wrap = %d, want 0", got)
	}
}

func TestInWindow(t *testing.T) {
	cases := []struct {
		seq, base uint16
		window    int
		want      bool
	}{
		// Window entirely inside the space
		{5, 5, 16, true},
		{20, 5, 16, true},
		{21, 5, 16, false},
		{4, 5, 16, false},
		{0, 5, 16, false},

		// Window crossing the modular boundary
		{65530, 65530, 16, true},
		{65535, 65530, 16, true},
		{0, 65530, 16, true},
		{9, 65530, 16, true},
		{10, 65530, 16, false},
		{65529, 65530, 16, false},

		// Degenerate windows
		{3, 3, 1, true},
		{4, 3, 1, false},
	}
	for _, c := range cases {
		if got := InWindow(c.seq, c.base, c.window); got != c.want {
			t.Errorf("InWindow(%d, %d, %d) = %v, want %v",
				c.seq, c.base, c.window, got, c.want)
		}
	}
}

func TestSeqDistance(t *testing.T) {
	if d := seqDistance(10, 15); d != 5 {
		t.Errorf("seqDistance(10, 15) = %d, want 5", d)
	}
	if d := seqDistance(65530, 4); d != 10 {
		t.Errorf("seqDistance(65530, 4) = %d, want 10", d)
	}
	if d := seqDistance(0, 65535); d != 65535 {
		t.Errorf("seqDistance(0, 65535) = %d, want 65535", d)
	}
}
