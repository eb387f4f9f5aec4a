package classify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPromptSetRendersBuiltins(t *testing.T) {
	prompts := NewPromptSet()
	for key := range defaultPromptText {
		rendered, err := prompts.Render(key, promptData{
			Today:   "2026-09-01",
			Excerpt: "sample excerpt",
		})
		if err != nil {
			t.Fatalf("Render(%s): %v", key, err)
		}
		if !strings.Contains(rendered, "sample excerpt") || !strings.Contains(rendered, "2026-09-01") {
			t.Errorf("Render(%s) missing data: %q", key, rendered)
		}
		if !strings.Contains(rendered, "isImportant") {
			t.Errorf("Render(%s) missing JSON contract", key)
		}
	}
}

func TestPromptSetUnknownKey(t *testing.T) {
	prompts := NewPromptSet()
	if _, err := prompts.Render("nope_nothing", promptData{}); err == nil {
		t.Fatal("expected error for unknown template key")
	}
}

func TestPromptSetLoadDirOverrides(t *testing.T) {
	dir := t.TempDir()
	override := "OVERRIDDEN for {{.Excerpt}}"
	if err := os.WriteFile(filepath.Join(dir, "slack_message.tmpl"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}
	// A broken template must not take down the built-ins.
	if err := os.WriteFile(filepath.Join(dir, "gmail_email.tmpl"), []byte("{{.Broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	prompts := NewPromptSet()
	if err := prompts.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	slack, err := prompts.Render("slack_message", promptData{Excerpt: "hello"})
	if err != nil {
		t.Fatalf("Render slack: %v", err)
	}
	if slack != "OVERRIDDEN for hello" {
		t.Errorf("override not applied: %q", slack)
	}

	gmail, err := prompts.Render("gmail_email", promptData{Excerpt: "hello"})
	if err != nil {
		t.Fatalf("Render gmail: %v", err)
	}
	if !strings.Contains(gmail, "ACTIONABLE TASK") {
		t.Errorf("broken override should fall through to builtin, got %q", gmail)
	}
}

func TestPromptSetWatchReloads(t *testing.T) {
	dir := t.TempDir()
	prompts := NewPromptSet()
	if err := prompts.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = prompts.Watch(ctx)
	}()

	// Rewrite the override each poll: the first write can land before the
	// watcher goroutine has registered with fsnotify, so a single write may
	// be missed entirely.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := os.WriteFile(filepath.Join(dir, "calendar_event.tmpl"), []byte("RELOADED {{.Excerpt}}"), 0o644); err != nil {
			t.Fatal(err)
		}
		rendered, err := prompts.Render("calendar_event", promptData{Excerpt: "x"})
		if err == nil && rendered == "RELOADED x" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("override never reloaded; last render: %q err=%v", rendered, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
