package files

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestNewKey(t *testing.T) {
	now := time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC)
	key := NewKey(now, "Question 1.JPG")

	pattern := regexp.MustCompile(`^photos/2026/03/07/[0-9a-f-]{36}\.jpg$`)
	if !pattern.MatchString(key) {
		t.Errorf("Unexpected key %q", key)
	}
	if NewKey(now, "a.png") == NewKey(now, "a.png") {
		t.Error("Expected unique keys")
	}
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	key := "photos/2026/01/02/abc.png"
	if err := store.Save(ctx, key, []byte("png-bytes")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("Unexpected data %q", data)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Read(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	for _, key := range []string{"../outside.png", "/etc/passwd", "photos/../../x"} {
		if err := store.Save(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Expected error for key %q", key)
		}
	}
}
