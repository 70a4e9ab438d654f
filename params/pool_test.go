package params

import "testing"

func TestHashpower(t *testing.T) {
	tests := []struct {
		difficulty uint32
		want       uint64
	}{
		{0, 0},
		{7, 0},
		{8, 5},
		{9, 10},
		{10, 20},
		{12, 80},
		{15, 640},
		{21, 40_960},
		{22, 81_920},
		{23, 81_920}, // capped
		{30, 81_920},
		{64, 81_920},
		{200, 81_920},
	}
	for _, tt := range tests {
		if got := Hashpower(tt.difficulty); got != tt.want {
			t.Errorf("Hashpower(%d) = %d, want %d", tt.difficulty, got, tt.want)
		}
	}
}

func TestHashpowerNeverExceedsCap(t *testing.T) {
	for d := uint32(0); d < 256; d++ {
		if hp := Hashpower(d); hp > MaxHashpower {
			t.Fatalf("Hashpower(%d) = %d exceeds cap", d, hp)
		}
	}
}
