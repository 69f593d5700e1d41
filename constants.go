package duplicate

const (
	// GridSize is the edge length of the fingerprint grid.
	GridSize = 8

	// IndexGroupCount is the number of composite indexes the fingerprint
	// cells are partitioned into.
	IndexGroupCount = 8

	DefaultPixelDistance     = 24
	DefaultTolerancePerPoint = 17000
	DefaultProbePoints       = 11
	DefaultCandidateBatch    = 32
	DefaultVerifyWorkers     = 16

	// DefaultFallbackThreshold is the candidate-set size below which the
	// narrowing engine stops issuing indexed range queries and filters the
	// remaining ids in process.
	DefaultFallbackThreshold = 10
)
