package staging

import (
	"context"
	"io"
	"testing"

	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
)

func writeStaged(t *testing.T, area *Area, dest, content string) {
	t.Helper()
	w, err := area.Create(dest)
	if err != nil {
		t.Fatalf("Create(%s): %v", dest, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFlushUploadsEverythingOnce(t *testing.T) {
	store := cloudstorage.NewMemoryClient()
	area, err := NewArea(store, nil)
	if err != nil {
		t.Fatalf("NewArea: %v", err)
	}
	writeStaged(t, area, "s3://bucket/run/query_batches/batch_000.fa", ">s1\nACGT\n")
	writeStaged(t, area, "s3://bucket/run/query_batches/batch_001.fa", ">s2\nTTTT\n")

	ctx := context.Background()
	if err := area.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 uploads, got %d", store.Len())
	}
	data, err := store.Get(ctx, "s3://bucket/run/query_batches/batch_001.fa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != ">s2\nTTTT\n" {
		t.Fatalf("unexpected content %q", data)
	}

	// A second flush is a no-op, not a double upload.
	if err := area.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 uploads after reflush, got %d", store.Len())
	}
}

func TestDiscardUploadsNothing(t *testing.T) {
	store := cloudstorage.NewMemoryClient()
	area, err := NewArea(store, nil)
	if err != nil {
		t.Fatalf("NewArea: %v", err)
	}
	writeStaged(t, area, "gs://bucket/run/query_batches/batch_000.fa", ">s1\nACGT\n")

	if err := area.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no uploads, got %d", store.Len())
	}
	if _, err := area.Create("gs://bucket/run/query_batches/batch_001.fa"); err == nil {
		t.Fatal("expected Create after Discard to fail")
	}
}
