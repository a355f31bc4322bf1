// Package tuner sizes the compute for one search run: threading mode,
// thread count, batch length, memory limit, and machine type. Everything
// here is a pure derivation from program, database, and query statistics;
// the only I/O is the machine catalog and database metadata lookups.
package tuner

import (
	"context"
	"math"
	"strings"

	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// MTMode selects the engine threading strategy: coarse-grained (Zero) or
// query-partitioned fine-grained (One).
type MTMode int

const (
	MTModeZero MTMode = 0
	MTModeOne  MTMode = 1
)

// String renders the engine command line option for the mode.
func (m MTMode) String() string {
	if m == MTModeOne {
		return "-mt_mode 1"
	}
	return ""
}

// QueryStats describes the query input.
type QueryStats struct {
	Letters int
	MolType MoleculeType
}

// DatabaseStats describes the target database. Fetched once per run.
type DatabaseStats struct {
	Letters        int64
	Sequences      int64
	BytesToCacheGB float64
	MolType        MoleculeType
}

// Decision is the complete tuning result. A pure value, recomputable from
// its inputs at any time.
type Decision struct {
	MTMode      MTMode
	NumCPUs     int
	BatchLength int
	MemLimit    config.MemorySize
	MachineType string
}

// taxonomy-restricting options force fine-grained threading.
var taxonomyOptions = []string{
	"-taxids", "-taxidlist", "-gilist", "-seqidlist",
	"-negative_taxids", "-negative_taxidlist",
}

// MTModeFor computes the threading mode. db and query may be nil when the
// corresponding statistics are unknown.
func MTModeFor(program Program, options string, db *DatabaseStats, query *QueryStats) MTMode {
	if query != nil && query.Letters > 0 {
		if (query.MolType == Protein && query.Letters <= residuesPerThread) ||
			(query.MolType == Nucleotide && query.Letters <= basesPerThread) {
			return MTModeZero
		}
	}

	if program == RpsBlast || program == RpsTBlastN {
		return MTModeOne
	}

	for _, opt := range taxonomyOptions {
		if strings.Contains(options, opt) {
			return MTModeOne
		}
	}

	if db != nil {
		ceiling := int64(maxMTOneDBLettersNucl)
		if db.MolType == Protein {
			ceiling = maxMTOneDBLettersProt
			if program == BlastP {
				ceiling = maxMTOneDBLettersBlastP
			}
		}
		if db.Letters <= ceiling {
			return MTModeOne
		}
	}
	return MTModeZero
}

// NumCPUs computes the thread count for one job.
func NumCPUs(provider config.Provider, mode MTMode, query *QueryStats) int {
	maxCPUs := maxNumCPUsAWS
	dflt := defaultNumCPUsAWS
	if provider == config.ProviderGCP {
		maxCPUs = maxNumCPUsGCP
		dflt = defaultNumCPUsGCP
	}

	if mode == MTModeZero {
		return min(numThreadsMTZero, maxCPUs)
	}
	if query == nil || query.Letters <= 0 {
		return dflt
	}
	perThread := residuesPerThread
	if query.MolType == Nucleotide {
		perThread = basesPerThread
	}
	cpus := (query.Letters + perThread - 1) / perThread
	return max(1, min(cpus, maxCPUs))
}

// BatchLength computes the letters budget for one work unit.
func BatchLength(program Program, mode MTMode, numCPUs int, db *DatabaseStats) (int, error) {
	base, ok := batchLenBase[program]
	if !ok {
		return 0, usererr.New(usererr.Input, "invalid search program %q", program)
	}
	if mode == MTModeOne {
		batchLen := base * numCPUs
		if batchLenDoubled[program] {
			batchLen *= 2
		}
		return batchLen, nil
	}
	if db != nil {
		return mtZeroBatchLenFor(program, db.Letters), nil
	}
	return base, nil
}

// MemLimitOptions direct the memory-limit computation.
type MemLimitOptions struct {
	Provider config.Provider
	Instance Machine
	JobCPUs  int
	// DBFactor, when positive, sets the limit to cache footprint times the
	// factor.
	DBFactor float64
	// WithOptimal sizes for the auto-selected biggest available instance.
	WithOptimal bool
}

// MemLimit computes the memory limit for one search job.
func MemLimit(db *DatabaseStats, opts MemLimitOptions) (config.MemorySize, error) {
	if opts.DBFactor > 0 {
		if db == nil {
			return "", usererr.New(usererr.Input, "database size factor requires database metadata")
		}
		gb := math.Round(db.BytesToCacheGB*opts.DBFactor*10) / 10
		return checkMemLimit(gb, opts)
	}
	if opts.WithOptimal {
		if db == nil {
			return "", usererr.New(usererr.Input, "optimal memory limit requires database metadata")
		}
		if db.BytesToCacheGB >= optimalMemoryCapGB {
			return config.MemorySizeGB(optimalMemoryCapGB), nil
		}
		return checkMemLimit(db.BytesToCacheGB+memoryForHits, opts)
	}

	gb := opts.Instance.MemoryGB - systemMemoryReserve
	if opts.Provider == config.ProviderAWS && opts.JobCPUs > 0 {
		if jobs := opts.Instance.VCPUs / opts.JobCPUs; jobs > 1 {
			gb /= float64(jobs)
		}
	}
	return checkMemLimit(math.Floor(gb*10)/10, opts)
}

func checkMemLimit(gb float64, opts MemLimitOptions) (config.MemorySize, error) {
	if gb <= 0 {
		return "", usererr.New(usererr.Memory,
			"computed memory limit %.1fG is not positive, instance type %s is too small for this search",
			gb, opts.Instance.Name)
	}
	return config.MemorySizeGB(gb), nil
}

// RequiredMemoryGB estimates the instance memory needed to hold the
// database plus search workspace.
func RequiredMemoryGB(db *DatabaseStats, mode MTMode, numCPUs int) float64 {
	cache := db.BytesToCacheGB
	workspace := cache * (dbMemoryMargin - 1)
	if mode == MTModeOne {
		workspace *= float64(numCPUs)
	}
	workspace = math.Min(math.Max(workspace, 10), 60)
	return cache + workspace + systemMemoryReserve
}

// Inputs collects everything Tune needs for one run.
type Inputs struct {
	Program  Program
	Options  string
	Provider config.Provider
	Region   string
	DB       *DatabaseStats
	Query    *QueryStats

	// User preferences. Zero values mean "decide for me".
	MachineType  string
	NumCPUsPref  int
	BatchLenPref int
	MemLimitOpts MemLimitOptions
}

// Tune runs all five sizing steps and returns the complete decision.
func Tune(ctx context.Context, catalog Catalog, in Inputs) (Decision, error) {
	mode := MTModeFor(in.Program, in.Options, in.DB, in.Query)
	cpus := NumCPUs(in.Provider, mode, in.Query)
	if in.NumCPUsPref > 0 && in.NumCPUsPref < cpus {
		cpus = in.NumCPUsPref
	}

	machineType := in.MachineType
	switch {
	case machineType != "":
	case in.DB == nil:
		// Without database metadata cheapest-fit selection has no memory
		// requirement to work from; use the stock type for the provider.
		machineType = DefaultMachineTypeAWS
		if in.Provider == config.ProviderGCP {
			machineType = DefaultMachineTypeGCP
		}
	default:
		selected, err := SelectMachineType(ctx, catalog, in.Region,
			RequiredMemoryGB(in.DB, mode, cpus), cpus)
		if err != nil {
			return Decision{}, err
		}
		machineType = selected.Name
	}

	instance, err := catalog.Properties(ctx, machineType)
	if err != nil {
		return Decision{}, usererr.Wrap(usererr.Input, err,
			"unknown machine type %q", machineType)
	}
	// One job never gets more threads than the instance has cores.
	if cpus > instance.VCPUs {
		cpus = instance.VCPUs
	}

	batchLen := in.BatchLenPref
	if batchLen <= 0 {
		batchLen, err = BatchLength(in.Program, mode, cpus, in.DB)
		if err != nil {
			return Decision{}, err
		}
	}

	memOpts := in.MemLimitOpts
	memOpts.Provider = in.Provider
	memOpts.Instance = instance
	memOpts.JobCPUs = cpus
	memLimit, err := MemLimit(in.DB, memOpts)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		MTMode:      mode,
		NumCPUs:     cpus,
		BatchLength: batchLen,
		MemLimit:    memLimit,
		MachineType: machineType,
	}, nil
}
