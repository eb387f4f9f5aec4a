package main

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("TASKSYNC_TEST_INT", "42")
	if got := intEnv("TASKSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("TASKSYNC_TEST_INT_BAD", "not-a-number")
	if got := intEnv("TASKSYNC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("TASKSYNC_TEST_FLOAT", "0.7")
	if got := floatEnv("TASKSYNC_TEST_FLOAT", 0.3); got != 0.7 {
		t.Fatalf("expected 0.7, got %g", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("TASKSYNC_TEST_DURATION", "150ms")
	if got := durationEnv("TASKSYNC_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("TASKSYNC_TEST_DURATION_BAD", "soon")
	if got := durationEnv("TASKSYNC_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestSplitEnv(t *testing.T) {
	t.Setenv("TASKSYNC_TEST_ORIGINS", "https://a.test, https://b.test ,")
	got := splitEnv("TASKSYNC_TEST_ORIGINS", "*")
	want := []string{"https://a.test", "https://b.test"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	_ = os.Unsetenv("TASKSYNC_TEST_ORIGINS_UNSET")
	if got := splitEnv("TASKSYNC_TEST_ORIGINS_UNSET", "*"); !reflect.DeepEqual(got, []string{"*"}) {
		t.Fatalf("expected wildcard fallback, got %v", got)
	}
}

func TestBuildRefreshersFromEnvRequiresBothCredentials(t *testing.T) {
	t.Setenv("TASKSYNC_GOOGLE_CLIENT_ID", "cid")
	t.Setenv("TASKSYNC_GOOGLE_CLIENT_SECRET", "")
	if got := buildRefreshersFromEnv(); got != nil {
		t.Fatalf("expected nil without a client secret, got %v", got)
	}

	t.Setenv("TASKSYNC_GOOGLE_CLIENT_SECRET", "secret")
	got := buildRefreshersFromEnv()
	if len(got) != 2 {
		t.Fatalf("expected refreshers for gmail and google_calendar, got %v", got)
	}
}
