package duplicate

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store implementations when a record does
// not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnreadableImage marks submitted bytes that cannot be decoded. It is a
// data error: operations report it in their result instead of failing.
var ErrUnreadableImage = errors.New("can't read image")

// NaturalKey is the caller-supplied identity of a submitted image. It is
// unique across the whole store, independent of group.
type NaturalKey struct {
	MessageID       string
	NumberInMessage int
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s-%d", k.MessageID, k.NumberInMessage)
}

// ImageRecord is the persisted metadata of one submitted image.
type ImageRecord struct {
	ID             int64
	Group          string
	Key            NaturalKey
	AdditionalInfo string
	FileName       string
	Timestamp      int64
}

// Fingerprint is the perceptual hash row stored for one image. Height and
// width are the image's pixel dimensions after size-policy normalization;
// fingerprints are only ever compared within the same resolution.
type Fingerprint struct {
	ImageID   int64
	Group     string
	Timestamp int64
	Height    int
	Width     int
	Grid      Grid
}

// DuplicateEdge records that DuplicateID was confirmed at add time to be a
// near duplicate of OriginalID. Level is the comparator score; smaller
// means a tighter match.
type DuplicateEdge struct {
	Group       string
	OriginalID  int64
	DuplicateID int64
	Level       int64
}

// Match is one confirmed duplicate returned to the caller.
type Match struct {
	ID             int64
	Key            NaturalKey
	AdditionalInfo string
	Level          int64
}

// CandidateQuery bounds a narrowing search. An image id is a candidate iff
// its stored fingerprint matches Group, Height and Width exactly, its
// timestamp is strictly before BeforeTimestamp, and every grid cell is
// within PixelDistance (inclusive) of the query cell.
type CandidateQuery struct {
	Group           string
	BeforeTimestamp int64
	Height          int
	Width           int
	Grid            Grid
	PixelDistance   int
}

type sizeLimit int

const (
	noSizeLimit sizeLimit = iota
	widthLimited
	heightLimited
)

// SizePolicy bounds one image dimension at most. The zero value means no
// limit; constructing a policy that limits both dimensions is impossible.
type SizePolicy struct {
	kind  sizeLimit
	limit int
}

func NoSizeLimit() SizePolicy { return SizePolicy{} }

func LimitWidth(n int) SizePolicy { return SizePolicy{kind: widthLimited, limit: n} }

func LimitHeight(n int) SizePolicy { return SizePolicy{kind: heightLimited, limit: n} }

// SizePolicyFromConfig builds a policy from raw configuration values where
// zero or negative means "not set". Setting both bounds is a configuration
// error and must abort startup.
func SizePolicyFromConfig(maxWidth, maxHeight int) (SizePolicy, error) {
	switch {
	case maxWidth > 0 && maxHeight > 0:
		return SizePolicy{}, errors.New("at most one of max width and max height may be configured")
	case maxWidth > 0:
		return LimitWidth(maxWidth), nil
	case maxHeight > 0:
		return LimitHeight(maxHeight), nil
	default:
		return NoSizeLimit(), nil
	}
}

// MaxWidth reports the configured width bound, if any.
func (p SizePolicy) MaxWidth() (int, bool) {
	if p.kind == widthLimited {
		return p.limit, true
	}
	return 0, false
}

// MaxHeight reports the configured height bound, if any.
func (p SizePolicy) MaxHeight() (int, bool) {
	if p.kind == heightLimited {
		return p.limit, true
	}
	return 0, false
}

// Config carries every tunable of the detection pipeline. Components never
// read ambient globals; construct one of these at process start and hand it
// to NewEngine.
type Config struct {
	// PixelDistance is the maximum allowed per-cell fingerprint distance
	// during candidate narrowing.
	PixelDistance int
	// TolerancePerPoint is the maximum squared per-channel RGB distance a
	// single pixel may have before the exact comparator rejects the pair.
	TolerancePerPoint int64
	// ProbePoints is the number of randomly sampled pixels checked before
	// the exhaustive scan.
	ProbePoints int
	// CandidateBatchSize is how many candidate images are fetched and
	// verified per batch.
	CandidateBatchSize int
	// VerifyWorkers bounds the comparisons running in parallel within one
	// operation.
	VerifyWorkers int
	// SizePolicy bounds the dimensions of accepted images.
	SizePolicy SizePolicy
}

// DefaultConfig returns the reference behavior.
func DefaultConfig() Config {
	return Config{
		PixelDistance:      DefaultPixelDistance,
		TolerancePerPoint:  DefaultTolerancePerPoint,
		ProbePoints:        DefaultProbePoints,
		CandidateBatchSize: DefaultCandidateBatch,
		VerifyWorkers:      DefaultVerifyWorkers,
		SizePolicy:         NoSizeLimit(),
	}
}
