package nodeid

import "testing"

func TestNewInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if id < 1 || id > Max {
			t.Fatalf("id %d out of range [1, %d]", id, int64(Max))
		}
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		id   int64
		want bool
	}{
		{0, false},
		{-1, false},
		{1, true},
		{Max, true},
	}
	for _, c := range cases {
		if got := Valid(c.id); got != c.want {
			t.Errorf("Valid(%d) = %v, want %v", c.id, got, c.want)
		}
	}
}
