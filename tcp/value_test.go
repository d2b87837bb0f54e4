package tcp

import "testing"

func TestValueLessThan(t *testing.T) {
	cases := []struct {
		v, w Value
		want bool
	}{
		{0, 1, true},
		{1, 0, false},
		{0, 0, false},
		{math32Max, 0, true},  // wraps forward past the rollover point.
		{0, math32Max, false}, // the reverse direction does not.
	}
	for _, c := range cases {
		if got := c.v.LessThan(c.w); got != c.want {
			t.Errorf("Value(%d).LessThan(%d) = %v, want %v", c.v, c.w, got, c.want)
		}
	}
}

const math32Max = Value(1<<32 - 1)

func TestValueInWindow(t *testing.T) {
	if (Value(100)).InWindow(100, 0) {
		t.Error("a zero window must never contain anything")
	}
	if !(Value(150)).InWindow(100, 100) {
		t.Error("150 should be in [100, 200)")
	}
	if (Value(200)).InWindow(100, 100) {
		t.Error("200 is exclusive upper bound of [100, 200)")
	}
	// Wraparound window.
	start := math32Max - 5
	if !(Value(2)).InWindow(start, 20) {
		t.Error("window wrapping past 2**32 should contain post-wrap values")
	}
}

func TestAddAndSizeof(t *testing.T) {
	v := Add(math32Max, 5)
	if v != 4 {
		t.Errorf("Add wraparound: got %d, want 4", v)
	}
	if got := Sizeof(math32Max, 4); got != 5 {
		t.Errorf("Sizeof wraparound: got %d, want 5", got)
	}
}

func TestRandomISSClearsMSB(t *testing.T) {
	for i := 0; i < 64; i++ {
		v := randomISS()
		if v&(1<<31) != 0 {
			t.Fatalf("randomISS() = %#x has MSB set", v)
		}
	}
}
