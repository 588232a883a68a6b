package rate

import (
	"testing"
	"time"
)

func TestCeilSeconds(t *testing.T) {
	cases := map[time.Duration]int64{
		0:                       0,
		500 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
	}
	for in, want := range cases {
		if got := ceilSeconds(in); got != want {
			t.Fatalf("ceilSeconds(%s) = %d, want %d", in, got, want)
		}
	}
}
