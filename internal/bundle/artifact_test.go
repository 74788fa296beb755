package bundle

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFSStore(t *testing.T) {
	t.Run("stores and reads back an artifact", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemStore()

		n, err := store.Put(ctx, "pub-a/wrapper-v1.0.0-abc.js", strings.NewReader("var pbjs = {};"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := n, int64(len("var pbjs = {};")); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		rc, err := store.Open(ctx, "pub-a/wrapper-v1.0.0-abc.js")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer rc.Close()

		content, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(content), "var pbjs = {};"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("reports a missing artifact on open", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemStore()

		_, err := store.Open(ctx, "pub-a/wrapper-v1.0.0-abc.js")
		if got, want := err, ErrArtifactMissing; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("reports a missing artifact on remove", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemStore()

		err := store.Remove(ctx, "pub-a/wrapper-v1.0.0-abc.js")
		if got, want := err, ErrArtifactMissing; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("removes a stored artifact", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemStore()

		_, err := store.Put(ctx, "pub-a/wrapper-v1.0.0-abc.js", strings.NewReader("var pbjs = {};"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		err = store.Remove(ctx, "pub-a/wrapper-v1.0.0-abc.js")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		_, err = store.Open(ctx, "pub-a/wrapper-v1.0.0-abc.js")
		if got, want := err, ErrArtifactMissing; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("overwrites atomically", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemStore()

		_, err := store.Put(ctx, "pub-a/wrapper-v1.0.0-abc.js", strings.NewReader("old"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		_, err = store.Put(ctx, "pub-a/wrapper-v1.0.0-abc.js", strings.NewReader("new"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		rc, err := store.Open(ctx, "pub-a/wrapper-v1.0.0-abc.js")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer rc.Close()

		content, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(content), "new"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}
