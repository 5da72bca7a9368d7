package main

import (
	"testing"
	"time"
)

func TestSplitList(t *testing.T) {
	got := splitList(" mjos, ,sdk_config ,")
	if len(got) != 2 || got[0] != "mjos" || got[1] != "sdk_config" {
		t.Fatalf("unexpected tenants %v", got)
	}
	if got := splitList(""); len(got) != 0 {
		t.Fatalf("expected no tenants got %v", got)
	}
}

func TestDurationEnv(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 5 * time.Second},
		{"90s", 90 * time.Second},
		{"30", 30 * time.Second},
		{"soon", 5 * time.Second},
	}
	for _, tc := range tests {
		t.Setenv("CAC_TEST_DURATION", tc.value)
		if got := durationEnv("CAC_TEST_DURATION", 5*time.Second); got != tc.expected {
			t.Fatalf("value %q: expected %s got %s", tc.value, tc.expected, got)
		}
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("CAC_TEST_INT", "12")
	if got := intEnv("CAC_TEST_INT", 3); got != 12 {
		t.Fatalf("expected 12 got %d", got)
	}
	t.Setenv("CAC_TEST_INT", "many")
	if got := intEnv("CAC_TEST_INT", 3); got != 3 {
		t.Fatalf("expected fallback 3 got %d", got)
	}
}
