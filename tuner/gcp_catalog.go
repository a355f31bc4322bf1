package tuner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// DefaultMachineTypeGCP is used when tuning is skipped entirely.
const DefaultMachineTypeGCP = "n1-highmem-32"

// RAM per vCPU in GB for the machine families the orchestrator-cluster
// backend runs on.
var gcpMachineFamilies = map[string]float64{
	"n1-standard": 3.75,
	"n1-highmem":  6.5,
	"n1-highcpu":  0.9,
	"n2-standard": 4,
	"n2-highmem":  8,
	"n2-highcpu":  1,
	"e2-standard": 4,
	"e2-highmem":  8,
	"e2-highcpu":  1,
	"c2-standard": 4,
}

var gcpFamilySizes = map[string][]int{
	"n1-standard": {1, 2, 4, 8, 16, 32, 64, 96},
	"n1-highmem":  {2, 4, 8, 16, 32, 64, 96},
	"n1-highcpu":  {2, 4, 8, 16, 32, 64, 96},
	"n2-standard": {2, 4, 8, 16, 32, 48, 64, 80},
	"n2-highmem":  {2, 4, 8, 16, 32, 48, 64, 80},
	"n2-highcpu":  {2, 4, 8, 16, 32, 48, 64, 80},
	"e2-standard": {2, 4, 8, 16, 32},
	"e2-highmem":  {2, 4, 8, 16},
	"e2-highcpu":  {2, 4, 8, 16, 32},
	"c2-standard": {4, 8, 16, 30, 60},
}

var gcpMachineTypeRE = regexp.MustCompile(`^([a-z][0-9][a-z]?-[a-z]+)-(\d+)$`)

// GCPCatalog resolves machine types from the static family tables. Machine
// specs are fixed per family, so no API call is needed.
type GCPCatalog struct{}

func (GCPCatalog) Properties(ctx context.Context, machineType string) (Machine, error) {
	m := gcpMachineTypeRE.FindStringSubmatch(machineType)
	if m == nil {
		return Machine{}, fmt.Errorf("machine type %q is not recognized", machineType)
	}
	ramPerCPU, ok := gcpMachineFamilies[m[1]]
	if !ok {
		return Machine{}, fmt.Errorf("machine family %q is not supported", m[1])
	}
	cpus, err := strconv.Atoi(m[2])
	if err != nil || cpus <= 0 {
		return Machine{}, fmt.Errorf("machine type %q is not recognized", machineType)
	}
	return Machine{
		Name:     machineType,
		VCPUs:    cpus,
		MemoryGB: float64(cpus) * ramPerCPU,
	}, nil
}

func (GCPCatalog) Supported(ctx context.Context, region string) ([]Machine, error) {
	var machines []Machine
	for family, ramPerCPU := range gcpMachineFamilies {
		for _, cpus := range gcpFamilySizes[family] {
			machines = append(machines, Machine{
				Name:     fmt.Sprintf("%s-%d", family, cpus),
				VCPUs:    cpus,
				MemoryGB: float64(cpus) * ramPerCPU,
			})
		}
	}
	return machines, nil
}
