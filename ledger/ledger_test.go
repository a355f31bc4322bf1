package ledger

import (
	"context"
	"reflect"
	"testing"

	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
)

func TestLoadAllMissingObjectIsEmpty(t *testing.T) {
	l := New(cloudstorage.NewMemoryClient(), "s3://bucket/results/metadata/job-ids.json")

	ids, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty ledger, got %v", ids)
	}
}

func TestAppendMergesAcrossCalls(t *testing.T) {
	store := cloudstorage.NewMemoryClient()
	l := New(store, "s3://bucket/results/metadata/job-ids.json")
	ctx := context.Background()

	if err := l.Append(ctx, "job-2", "job-1"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(ctx, "job-3"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ids, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	want := []string{"job-1", "job-2", "job-3"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ledger = %v, want %v", ids, want)
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	l := New(cloudstorage.NewMemoryClient(), "gs://bucket/results/metadata/job-ids.json")
	ctx := context.Background()

	handles := []string{"job-a", "job-b", "job-a"}
	for i := 0; i < 2; i++ {
		if err := l.Append(ctx, handles...); err != nil {
			t.Fatalf("Append #%d: %v", i+1, err)
		}
	}

	ids, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	want := []string{"job-a", "job-b"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ledger = %v, want %v", ids, want)
	}
}

func TestAppendNothingLeavesStoreUntouched(t *testing.T) {
	store := cloudstorage.NewMemoryClient()
	l := New(store, "s3://bucket/results/metadata/job-ids.json")

	if err := l.Append(context.Background()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no objects written, got %d", store.Len())
	}
}
