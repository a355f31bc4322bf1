package tuner

import (
	"context"
	"testing"
)

func TestGCPCatalogProperties(t *testing.T) {
	catalog := GCPCatalog{}

	m, err := catalog.Properties(context.Background(), "n1-highmem-32")
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if m.VCPUs != 32 || m.MemoryGB != 208 {
		t.Fatalf("n1-highmem-32 = %+v, want 32 vCPUs and 208 GB", m)
	}

	if _, err := catalog.Properties(context.Background(), "n9-mega-4"); err == nil {
		t.Fatal("expected error for unknown family")
	}
	if _, err := catalog.Properties(context.Background(), "not-a-machine"); err == nil {
		t.Fatal("expected error for malformed type")
	}
}

func TestGCPCatalogSupportsDefaultType(t *testing.T) {
	machines, err := GCPCatalog{}.Supported(context.Background(), "us-east4")
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}
	found := false
	for _, m := range machines {
		if m.Name == DefaultMachineTypeGCP {
			found = true
		}
	}
	if !found {
		t.Fatalf("catalog does not offer %s", DefaultMachineTypeGCP)
	}
}
