package tuner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/izavyalov-dev/cloudblast/usererr"
)

type fakeCatalog struct {
	machines []Machine
	err      error
}

func (c fakeCatalog) Properties(ctx context.Context, machineType string) (Machine, error) {
	for _, m := range c.machines {
		if m.Name == machineType {
			return m, nil
		}
	}
	return Machine{}, fmt.Errorf("instance type %q not found", machineType)
}

func (c fakeCatalog) Supported(ctx context.Context, region string) ([]Machine, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.machines, nil
}

var testMachines = []Machine{
	{Name: "m5.large", VCPUs: 2, MemoryGB: 8},
	{Name: "m5.2xlarge", VCPUs: 8, MemoryGB: 32},
	{Name: "r5.xlarge", VCPUs: 4, MemoryGB: 32},
	{Name: "m5.8xlarge", VCPUs: 32, MemoryGB: 128},
	{Name: "c5.2xlarge", VCPUs: 8, MemoryGB: 16},
}

func TestSelectMachineTypePicksSmallestSufficient(t *testing.T) {
	got, err := SelectMachineType(context.Background(), fakeCatalog{machines: testMachines},
		"us-east-1", 30, 4)
	if err != nil {
		t.Fatalf("SelectMachineType: %v", err)
	}
	if got.Name != "r5.xlarge" {
		t.Fatalf("selected %s, want r5.xlarge", got.Name)
	}
}

func TestSelectMachineTypeTieBreaksByMemory(t *testing.T) {
	got, err := SelectMachineType(context.Background(), fakeCatalog{machines: testMachines},
		"us-east-1", 10, 8)
	if err != nil {
		t.Fatalf("SelectMachineType: %v", err)
	}
	// c5.2xlarge and m5.2xlarge both have 8 vCPUs; less memory wins.
	if got.Name != "c5.2xlarge" {
		t.Fatalf("selected %s, want c5.2xlarge", got.Name)
	}
}

func TestSelectMachineTypeNoMatch(t *testing.T) {
	_, err := SelectMachineType(context.Background(), fakeCatalog{machines: testMachines},
		"us-east-1", 1024, 4)
	if err == nil {
		t.Fatal("expected error when nothing satisfies the memory requirement")
	}
	if kind, ok := usererr.KindOf(err); !ok || kind != usererr.Input {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestSelectMachineTypeCatalogFailure(t *testing.T) {
	_, err := SelectMachineType(context.Background(),
		fakeCatalog{err: errors.New("api unreachable")}, "us-east-1", 10, 4)
	if err == nil {
		t.Fatal("expected error when the catalog is unreachable")
	}
	if kind, ok := usererr.KindOf(err); !ok || kind != usererr.Dependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestTuneEndToEnd(t *testing.T) {
	catalog := fakeCatalog{machines: testMachines}
	db := &DatabaseStats{Letters: 1_000_000_000, BytesToCacheGB: 20, MolType: Protein}

	decision, err := Tune(context.Background(), catalog, Inputs{
		Program:  BlastP,
		Provider: "aws",
		Region:   "us-east-1",
		DB:       &DatabaseStats{Letters: 400_000_000, BytesToCacheGB: 20, MolType: Protein},
		Query:    &QueryStats{Letters: 80_000, MolType: Protein},
	})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if decision.MTMode != MTModeOne {
		t.Fatalf("MTMode = %v, want one", decision.MTMode)
	}
	if decision.NumCPUs != 8 {
		t.Fatalf("NumCPUs = %d, want 8", decision.NumCPUs)
	}
	// 10_000 base times 8 threads.
	if decision.BatchLength != 80_000 {
		t.Fatalf("BatchLength = %d, want 80000", decision.BatchLength)
	}
	if decision.MachineType == "" {
		t.Fatal("expected a machine type to be selected")
	}
	if decision.MemLimit.AsGB() <= 0 {
		t.Fatalf("MemLimit = %s, want positive", decision.MemLimit)
	}

	// Pinning the machine type skips selection and trims the thread count
	// to the instance size.
	pinned, err := Tune(context.Background(), catalog, Inputs{
		Program:     BlastP,
		Provider:    "aws",
		Region:      "us-east-1",
		DB:          db,
		Query:       &QueryStats{Letters: 200_000, MolType: Protein},
		MachineType: "m5.large",
	})
	if err != nil {
		t.Fatalf("Tune pinned: %v", err)
	}
	if pinned.MachineType != "m5.large" {
		t.Fatalf("MachineType = %s, want m5.large", pinned.MachineType)
	}
	if pinned.NumCPUs != 2 {
		t.Fatalf("NumCPUs = %d, want trimmed to 2", pinned.NumCPUs)
	}
}

func TestTuneWithoutDatabaseStatsUsesStockMachineType(t *testing.T) {
	query := &QueryStats{Letters: 5_000, MolType: Protein}

	aws, err := Tune(context.Background(), fakeCatalog{machines: testMachines}, Inputs{
		Program:  BlastP,
		Provider: "aws",
		Region:   "us-east-1",
		Query:    query,
	})
	if err != nil {
		t.Fatalf("Tune aws: %v", err)
	}
	if aws.MachineType != DefaultMachineTypeAWS {
		t.Fatalf("MachineType = %s, want %s", aws.MachineType, DefaultMachineTypeAWS)
	}
	if aws.MemLimit.AsGB() <= 0 {
		t.Fatalf("MemLimit = %s, want positive", aws.MemLimit)
	}

	gcp, err := Tune(context.Background(), GCPCatalog{}, Inputs{
		Program:  BlastP,
		Provider: "gcp",
		Region:   "us-central1",
		Query:    query,
	})
	if err != nil {
		t.Fatalf("Tune gcp: %v", err)
	}
	if gcp.MachineType != DefaultMachineTypeGCP {
		t.Fatalf("MachineType = %s, want %s", gcp.MachineType, DefaultMachineTypeGCP)
	}
}
