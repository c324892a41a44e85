package ptstack

import "testing"

func TestPushPopOrder(t *testing.T) {
	tests := []struct {
		name string
		ips  []uint64
	}{
		{name: "single", ips: []uint64{0x1000}},
		{name: "few", ips: []uint64{0x1000, 0x2000, 0x3000}},
		{name: "spans block boundary", ips: makeIPs(blockSize + 5)},
		{name: "spans several blocks", ips: makeIPs(blockSize*3 + 17)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			for _, ip := range tt.ips {
				s.Push(ip)
			}
			if got := s.Len(); got != len(tt.ips) {
				t.Fatalf("Len() = %d, want %d", got, len(tt.ips))
			}
			for i := len(tt.ips) - 1; i >= 0; i-- {
				got, ok := s.Pop()
				if !ok {
					t.Fatalf("Pop() returned !ok with %d entries remaining", i+1)
				}
				if got != tt.ips[i] {
					t.Fatalf("Pop() = %#x, want %#x", got, tt.ips[i])
				}
			}
			if !s.Empty() {
				t.Fatalf("stack not empty after draining all pushes")
			}
			if _, ok := s.Pop(); ok {
				t.Fatalf("Pop() on empty stack returned ok")
			}
		})
	}
}

func TestClearResetsStack(t *testing.T) {
	s := New()
	for _, ip := range makeIPs(blockSize + 3) {
		s.Push(ip)
	}
	s.Clear()
	if !s.Empty() {
		t.Fatalf("stack not empty after Clear")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", s.Len())
	}
	s.Push(0xdead)
	if got, ok := s.Pop(); !ok || got != 0xdead {
		t.Fatalf("stack unusable after Clear: got=%#x ok=%v", got, ok)
	}
}

func TestSpareBlockReuseAtBoundary(t *testing.T) {
	s := New()
	for _, ip := range makeIPs(blockSize) {
		s.Push(ip)
	}
	for i := 0; i < 10; i++ {
		if _, ok := s.Pop(); !ok {
			t.Fatalf("unexpected empty stack during boundary churn")
		}
		s.Push(uint64(i))
		if _, ok := s.Pop(); !ok {
			t.Fatalf("unexpected empty stack during boundary churn")
		}
	}
	if s.Len() != blockSize-1 {
		t.Fatalf("Len() = %d, want %d", s.Len(), blockSize-1)
	}
}

func makeIPs(n int) []uint64 {
	ips := make([]uint64, n)
	for i := range ips {
		ips[i] = 0x400000 + uint64(i)*16
	}
	return ips
}
