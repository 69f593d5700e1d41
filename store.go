package duplicate

import "context"

// NewImage is the metadata persisted when an image is first added.
type NewImage struct {
	Group          string
	Key            NaturalKey
	AdditionalInfo string
	FileName       string
	Timestamp      int64
}

// Store is the persisted state consumed by the engine: image metadata with
// a unique natural key, one fingerprint per image backed by the composite
// range indexes, and confirmed duplicate edges.
//
// Implementations own transactional scope and uniqueness enforcement; a
// concurrent insert of the same natural key must resolve to a single
// surviving row that CreateOrGetImage reports with created=false.
type Store interface {
	// CreateOrGetImage inserts the record or, when the natural key already
	// exists, returns the existing id with created=false.
	CreateOrGetImage(ctx context.Context, img NewImage) (id int64, created bool, err error)
	GetImageByKey(ctx context.Context, key NaturalKey) (*ImageRecord, error)
	GetImagesByIDs(ctx context.Context, ids []int64) ([]ImageRecord, error)
	// ListImages pages metadata in ascending id order, starting after
	// afterID.
	ListImages(ctx context.Context, afterID int64, limit int) ([]ImageRecord, error)
	// DeleteImage removes the record together with its fingerprint and
	// every edge referencing it.
	DeleteImage(ctx context.Context, id int64) error

	InsertFingerprint(ctx context.Context, fp Fingerprint) error
	GetFingerprint(ctx context.Context, imageID int64) (*Fingerprint, error)
	// FindCandidates runs the narrowing search. The result is exact: it
	// contains every stored id within the query's bounds and no other.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]int64, error)

	AddEdge(ctx context.Context, edge DuplicateEdge) error

	// LegacyImageData returns inline image bytes for rows written before
	// blob storage existed, or nil when the row has none.
	LegacyImageData(ctx context.Context, id int64) ([]byte, error)
	ClearLegacyImageData(ctx context.Context, id int64) error
}
