package rabbitmq

import "testing"

func TestVersionOf(t *testing.T) {
	cases := map[string]int{
		"payment.succeeded.v1":      1,
		"notification.dispatch.v12": 12,
		"legacy.event":              1,
		"broken.vX":                 1,
	}
	for name, want := range cases {
		if got := versionOf(name); got != want {
			t.Fatalf("version of %s: got %d want %d", name, got, want)
		}
	}
}
