package tuner

import (
	"context"
	"sort"

	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Machine describes one instance type from a provider catalog.
type Machine struct {
	Name     string
	VCPUs    int
	MemoryGB float64
}

// Catalog looks up instance types for one provider.
type Catalog interface {
	// Properties returns the specs of a single machine type, or an error
	// for an unknown or unsupported type.
	Properties(ctx context.Context, machineType string) (Machine, error)

	// Supported lists the machine types jobs can be scheduled on in a
	// region.
	Supported(ctx context.Context, region string) ([]Machine, error)
}

// SelectMachineType picks the smallest supported instance satisfying both
// the memory and CPU requirements, tie-broken by ascending vCPUs then
// ascending memory.
func SelectMachineType(ctx context.Context, catalog Catalog, region string, minMemoryGB float64, minCPUs int) (Machine, error) {
	machines, err := catalog.Supported(ctx, region)
	if err != nil {
		return Machine{}, usererr.Wrap(usererr.Dependency, err,
			"cannot list machine types offered in region %s", region)
	}

	suitable := machines[:0:0]
	for _, m := range machines {
		if m.MemoryGB < minMemoryGB || m.VCPUs < minCPUs {
			continue
		}
		suitable = append(suitable, m)
	}
	if len(suitable) == 0 {
		return Machine{}, usererr.New(usererr.Input,
			"no machine type in region %s offers %.1fG memory and %d CPUs; use a smaller database or set machine-type explicitly",
			region, minMemoryGB, minCPUs)
	}

	sort.Slice(suitable, func(i, j int) bool {
		if suitable[i].VCPUs != suitable[j].VCPUs {
			return suitable[i].VCPUs < suitable[j].VCPUs
		}
		if suitable[i].MemoryGB != suitable[j].MemoryGB {
			return suitable[i].MemoryGB < suitable[j].MemoryGB
		}
		return suitable[i].Name < suitable[j].Name
	})
	return suitable[0], nil
}
