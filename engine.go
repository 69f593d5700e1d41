package duplicate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"sync"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/fvlaenix/duplicate-images/blobstore"
	"github.com/fvlaenix/duplicate-images/log"
)

// AddRequest submits one image for storage and duplicate detection.
type AddRequest struct {
	Group          string
	Key            NaturalKey
	AdditionalInfo string
	Data           []byte
	FileName       string
	Timestamp      int64
}

// AddResult reports whether the image was newly added and which earlier
// images it duplicates. Error carries data-shaped failures (unreadable
// bytes); storage failures surface as Go errors instead.
type AddResult struct {
	Added   bool
	Matches []Match
	Error   string
}

// CheckRequest probes for duplicates without persisting anything.
type CheckRequest struct {
	Group     string
	Data      []byte
	FileName  string
	Timestamp int64
}

type CheckResult struct {
	Matches []Match
	Error   string
}

// Engine orchestrates add/check/exists/delete over the metadata store, the
// candidate narrowing search and the exact comparator.
type Engine struct {
	cfg        Config
	store      Store
	blobs      blobstore.Store
	comparator *Comparator
}

func NewEngine(cfg Config, store Store, blobs blobstore.Store) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		comparator: NewComparator(cfg.TolerancePerPoint, cfg.ProbePoints),
	}
}

// AddImage decodes and normalizes the submitted bytes, persists metadata,
// fingerprint and blob for a new natural key, and reports every stored
// image the submission duplicates. A second add with a known natural key
// persists nothing and returns Added=false, but still reports matches.
func (e *Engine) AddImage(ctx context.Context, req AddRequest) (AddResult, error) {
	log.Debug("add image", zap.String("group", req.Group), zap.String("key", req.Key.String()))

	img, resized, err := e.readImage(req.Data)
	if err != nil {
		return AddResult{Error: fmt.Sprintf("can't read image %s", req.Key)}, nil
	}

	id, created, err := e.store.CreateOrGetImage(ctx, NewImage{
		Group:          req.Group,
		Key:            req.Key,
		AdditionalInfo: req.AdditionalInfo,
		FileName:       req.FileName,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		return AddResult{}, err
	}

	bounds := img.Bounds()
	grid := ExtractGrid(img)

	candidates, err := e.store.FindCandidates(ctx, CandidateQuery{
		Group:           req.Group,
		BeforeTimestamp: req.Timestamp,
		Height:          bounds.Dy(),
		Width:           bounds.Dx(),
		Grid:            grid,
		PixelDistance:   e.cfg.PixelDistance,
	})
	if err != nil {
		return AddResult{}, err
	}

	if created {
		if err := e.store.InsertFingerprint(ctx, Fingerprint{
			ImageID:   id,
			Group:     req.Group,
			Timestamp: req.Timestamp,
			Height:    bounds.Dy(),
			Width:     bounds.Dx(),
			Grid:      grid,
		}); err != nil {
			return AddResult{}, err
		}

		data := req.Data
		if resized {
			if data, err = encodeImage(img, req.FileName); err != nil {
				return AddResult{}, err
			}
		}
		key := blobstore.Key(req.Group, req.Key.MessageID, req.Key.NumberInMessage, req.FileName, req.Timestamp)
		if err := e.blobs.Put(ctx, key, data, blobstore.ContentType(req.FileName)); err != nil {
			return AddResult{}, err
		}
	}

	matches, err := e.verifyCandidates(ctx, img, candidates)
	if err != nil {
		return AddResult{}, err
	}

	if created {
		for _, m := range matches {
			if m.ID == id {
				continue
			}
			if err := e.store.AddEdge(ctx, DuplicateEdge{
				Group:       req.Group,
				OriginalID:  m.ID,
				DuplicateID: id,
				Level:       m.Level,
			}); err != nil {
				return AddResult{}, err
			}
		}
	}

	return AddResult{Added: created, Matches: matches}, nil
}

// CheckImage runs the same narrowing and verification pipeline as AddImage
// without persisting metadata, fingerprint or edges.
func (e *Engine) CheckImage(ctx context.Context, req CheckRequest) (CheckResult, error) {
	img, _, err := e.readImage(req.Data)
	if err != nil {
		return CheckResult{Error: "can't read image"}, nil
	}

	bounds := img.Bounds()
	candidates, err := e.store.FindCandidates(ctx, CandidateQuery{
		Group:           req.Group,
		BeforeTimestamp: req.Timestamp,
		Height:          bounds.Dy(),
		Width:           bounds.Dx(),
		Grid:            ExtractGrid(img),
		PixelDistance:   e.cfg.PixelDistance,
	})
	if err != nil {
		return CheckResult{}, err
	}

	matches, err := e.verifyCandidates(ctx, img, candidates)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Matches: matches}, nil
}

// ExistsImage reports whether a natural key is stored. Absence is not an
// error.
func (e *Engine) ExistsImage(ctx context.Context, key NaturalKey) (bool, error) {
	_, err := e.store.GetImageByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteImage removes the record, its fingerprint, its edges and its blob.
// Deleting an unknown key returns false without error.
func (e *Engine) DeleteImage(ctx context.Context, key NaturalKey) (bool, error) {
	rec, err := e.store.GetImageByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := e.store.DeleteImage(ctx, rec.ID); err != nil {
		return false, err
	}

	blobKey := blobstore.Key(rec.Group, rec.Key.MessageID, rec.Key.NumberInMessage, rec.FileName, rec.Timestamp)
	if err := e.blobs.Delete(ctx, blobKey); err != nil {
		// Metadata is already gone; an orphaned blob is preferable to a
		// half-deleted record.
		log.Warn("failed to delete blob", zap.String("key", blobKey), zap.Error(err))
	}
	return true, nil
}

// CompressionSize returns the configured size policy.
func (e *Engine) CompressionSize() SizePolicy {
	return e.cfg.SizePolicy
}

// verifyCandidates fetches candidate images in fixed-size batches and
// compares each against probe in parallel, bounded by VerifyWorkers. The
// returned match set is unordered.
func (e *Engine) verifyCandidates(ctx context.Context, probe image.Image, ids []int64) ([]Match, error) {
	var (
		mu      sync.Mutex
		matches []Match
	)

	for start := 0; start < len(ids); start += e.cfg.CandidateBatchSize {
		end := start + e.cfg.CandidateBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		records, err := e.store.GetImagesByIDs(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.VerifyWorkers)
		for _, rec := range records {
			rec := rec
			g.Go(func() error {
				candidate, err := e.loadStoredImage(gctx, rec)
				if err != nil {
					// A candidate that cannot be fetched or decoded is
					// skipped, not a failed operation.
					log.Error("failed to load candidate image", zap.Int64("id", rec.ID), zap.Error(err))
					return nil
				}

				level, ok := e.comparator.Compare(candidate, probe)
				if !ok {
					return nil
				}

				mu.Lock()
				matches = append(matches, Match{
					ID:             rec.ID,
					Key:            rec.Key,
					AdditionalInfo: rec.AdditionalInfo,
					Level:          level,
				})
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// loadStoredImage fetches a stored image's bytes, falling back to legacy
// inline rows that predate blob storage, and decodes them.
func (e *Engine) loadStoredImage(ctx context.Context, rec ImageRecord) (image.Image, error) {
	key := blobstore.Key(rec.Group, rec.Key.MessageID, rec.Key.NumberInMessage, rec.FileName, rec.Timestamp)

	data, err := e.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		data, err = e.store.LegacyImageData(ctx, rec.ID)
		if err == nil && data == nil {
			err = blobstore.ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadableImage, err)
	}
	return img, nil
}

// readImage decodes submitted bytes and applies the size policy,
// downscaling with preserved aspect ratio when a bound is exceeded.
func (e *Engine) readImage(data []byte) (image.Image, bool, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrUnreadableImage, err)
	}

	bounds := img.Bounds()
	if max, ok := e.cfg.SizePolicy.MaxWidth(); ok && bounds.Dx() > max {
		log.Warn("image exceeds width bound, downscaling",
			zap.Int("width", bounds.Dx()), zap.Int("maxWidth", max))
		return scaleImage(img, max, bounds.Dy()*max/bounds.Dx()), true, nil
	}
	if max, ok := e.cfg.SizePolicy.MaxHeight(); ok && bounds.Dy() > max {
		log.Warn("image exceeds height bound, downscaling",
			zap.Int("height", bounds.Dy()), zap.Int("maxHeight", max))
		return scaleImage(img, bounds.Dx()*max/bounds.Dy(), max), true, nil
	}
	return img, false, nil
}

func scaleImage(img image.Image, width, height int) image.Image {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// encodeImage serializes a normalized image with the codec implied by the
// submitted file name. Everything that is not jpeg is written as png.
func encodeImage(img image.Image, fileName string) ([]byte, error) {
	var buf bytes.Buffer
	switch blobstore.Extension(fileName) {
	case "jpg", "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, err
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
