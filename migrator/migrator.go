// Package migrator moves inline image bytes written before blob storage
// existed out of the database and into the blob store.
package migrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	duplicate "github.com/fvlaenix/duplicate-images"
	"github.com/fvlaenix/duplicate-images/blobstore"
	"github.com/fvlaenix/duplicate-images/log"
)

// Source is the slice of the metadata store the migrator reads and drains.
type Source interface {
	ListImages(ctx context.Context, afterID int64, limit int) ([]duplicate.ImageRecord, error)
	LegacyImageData(ctx context.Context, id int64) ([]byte, error)
	ClearLegacyImageData(ctx context.Context, id int64) error
}

// Result summarizes one migration run.
type Result struct {
	Scanned  int
	Migrated int
	Skipped  int
	Failed   int
}

type Migrator struct {
	source   Source
	blobs    blobstore.Store
	pageSize int
	workers  int
}

func New(source Source, blobs blobstore.Store, pageSize, workers int) *Migrator {
	return &Migrator{
		source:   source,
		blobs:    blobs,
		pageSize: pageSize,
		workers:  workers,
	}
}

// Run pages over every stored image in id order and uploads legacy inline
// bytes to the blob store, clearing the database copy afterwards. Rows
// without inline bytes and rows whose blob already exists are skipped, so
// an interrupted run can simply be restarted. Per-image failures are
// counted and logged, not fatal.
func (m *Migrator) Run(ctx context.Context) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)

	afterID := int64(0)
	for {
		page, err := m.source.ListImages(ctx, afterID, m.pageSize)
		if err != nil {
			return res, err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.workers)
		for _, rec := range page {
			rec := rec
			g.Go(func() error {
				outcome, err := m.migrateOne(gctx, rec)
				mu.Lock()
				res.Scanned++
				switch {
				case err != nil:
					res.Failed++
				case outcome:
					res.Migrated++
				default:
					res.Skipped++
				}
				mu.Unlock()

				if err != nil {
					log.Error("failed to migrate image",
						zap.Int64("id", rec.ID), zap.String("key", rec.Key.String()), zap.Error(err))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
	}

	log.Info("legacy image migration finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("migrated", res.Migrated),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

// migrateOne reports true when bytes were uploaded and false when the row
// had nothing to do.
func (m *Migrator) migrateOne(ctx context.Context, rec duplicate.ImageRecord) (bool, error) {
	data, err := m.source.LegacyImageData(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}

	key := blobstore.Key(rec.Group, rec.Key.MessageID, rec.Key.NumberInMessage, rec.FileName, rec.Timestamp)

	exists, err := m.blobs.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		if err := m.blobs.Put(ctx, key, data, blobstore.ContentType(rec.FileName)); err != nil {
			return false, err
		}
	}

	if err := m.source.ClearLegacyImageData(ctx, rec.ID); err != nil {
		return false, err
	}
	return true, nil
}
