package logger

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud", "prod"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestNewBuildsForEachEnv(t *testing.T) {
	for _, env := range []string{"dev", "staging", "prod"} {
		log, err := New("INFO", env)
		if err != nil {
			t.Fatalf("build logger for %s: %v", env, err)
		}
		if log == nil {
			t.Fatalf("logger for %s is nil", env)
		}
	}
}
