package tuner

// Calibration constants for the search engine. The numeric values are
// hand-tuned against engine behavior; change them only together with an
// engine upgrade.

// Query letters one thread can take on under fine-grained threading.
const (
	residuesPerThread = 10_000
	basesPerThread    = 2_500_000
)

// Database size ceilings below which fine-grained threading pays off.
const (
	maxMTOneDBLettersProt   = 2_000_000_000
	maxMTOneDBLettersNucl   = 14_000_000_000
	maxMTOneDBLettersBlastP = 500_000_000
)

// Thread counts.
const (
	numThreadsMTZero  = 16
	defaultNumCPUsAWS = 16
	defaultNumCPUsGCP = 15
	maxNumCPUsAWS     = 16
	maxNumCPUsGCP     = 15
)

// Memory sizing.
const (
	dbMemoryMargin      = 1.1
	systemMemoryReserve = 2.0
	memoryForHits       = 2.0
	optimalMemoryCapGB  = 60.0
)

// Base batch length per program, in query letters.
var batchLenBase = map[Program]int{
	BlastP:     10_000,
	BlastN:     5_000_000,
	BlastX:     20_004,
	PsiBlast:   100_000,
	RpsBlast:   100_000,
	RpsTBlastN: 100_000,
	TBlastN:    20_000,
	TBlastX:    100_000,
}

// Programs whose fine-grained batch length gets a further doubling.
var batchLenDoubled = map[Program]bool{
	BlastX:  true,
	TBlastN: true,
}

// searchDirection pairs query and database molecule types.
type searchDirection struct {
	query MoleculeType
	db    MoleculeType
}

// batchLenStep maps a database-size ceiling to a batch length. Steps are
// ordered by ascending ceiling; the last step of each table is open-ended.
type batchLenStep struct {
	maxDBLetters int64
	batchLen     int
}

// Coarse-threading batch lengths by search direction and database size.
var mtZeroBatchLen = map[searchDirection][]batchLenStep{
	{Protein, Protein}: {
		{20_000_000_000, 20_000},
		{60_000_000_000, 15_000},
		{0, 10_000},
	},
	{Protein, Nucleotide}: {
		{50_000_000_000, 40_000},
		{0, 20_000},
	},
	{Nucleotide, Protein}: {
		{20_000_000_000, 30_006},
		{0, 20_004},
	},
	{Nucleotide, Nucleotide}: {
		{100_000_000_000, 10_000_000},
		{0, 5_000_000},
	},
}

func mtZeroBatchLenFor(program Program, dbLetters int64) int {
	steps, ok := mtZeroBatchLen[searchDirection{program.QueryMolType(), program.DBMolType()}]
	if !ok {
		return batchLenBase[program]
	}
	for _, step := range steps {
		if step.maxDBLetters == 0 || dbLetters <= step.maxDBLetters {
			return step.batchLen
		}
	}
	return batchLenBase[program]
}
