package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	duplicate "github.com/fvlaenix/duplicate-images"
)

// Store implements duplicate.Store over gorm.
type Store struct {
	db     *gorm.DB
	groups [][]duplicate.Cell

	// FallbackThreshold is the candidate-set size below which FindCandidates
	// switches from indexed range queries to exact in-process filtering.
	FallbackThreshold int
}

// Open connects to postgres and builds a Store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(50)
	sqldb.SetConnMaxLifetime(time.Hour)

	return New(db)
}

// New builds a Store on an existing gorm connection. The caller is expected
// to have enabled TranslateError so unique violations are observable.
func New(db *gorm.DB) (*Store, error) {
	groups, err := duplicate.IndexGroups(duplicate.GridSize, duplicate.GridSize, duplicate.IndexGroupCount)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:                db,
		groups:            groups,
		FallbackThreshold: duplicate.DefaultFallbackThreshold,
	}, nil
}

func (s *Store) CreateOrGetImage(ctx context.Context, img duplicate.NewImage) (int64, bool, error) {
	row := imageRow{
		GroupName:       img.Group,
		MessageID:       img.Key.MessageID,
		NumberInMessage: img.Key.NumberInMessage,
		AdditionalInfo:  img.AdditionalInfo,
		FileName:        img.FileName,
		Timestamp:       img.Timestamp,
	}

	err := s.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return row.ID, true, nil
	}

	// The unique index on the natural key closes the check-then-insert
	// race: a concurrent duplicate insert surfaces here and resolves to
	// the surviving row.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, lookupErr := s.GetImageByKey(ctx, img.Key)
		if lookupErr != nil {
			return 0, false, lookupErr
		}
		return existing.ID, false, nil
	}
	return 0, false, err
}

func (s *Store) GetImageByKey(ctx context.Context, key duplicate.NaturalKey) (*duplicate.ImageRecord, error) {
	var row imageRow
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND number_in_message = ?", key.MessageID, key.NumberInMessage).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, duplicate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

func (s *Store) GetImagesByIDs(ctx context.Context, ids []int64) ([]duplicate.ImageRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []imageRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]duplicate.ImageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func (s *Store) ListImages(ctx context.Context, afterID int64, limit int) ([]duplicate.ImageRecord, error) {
	var rows []imageRow
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]duplicate.ImageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func (s *Store) DeleteImage(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("original_id = ? OR duplicate_id = ?", id, id).Delete(&duplicateRow{}).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM fingerprints WHERE image_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&imageRow{}, id).Error
	})
}

func (s *Store) InsertFingerprint(ctx context.Context, fp duplicate.Fingerprint) error {
	var (
		cols strings.Builder
		ph   strings.Builder
	)
	args := []any{fp.ImageID, fp.Group, fp.Timestamp, fp.Height, fp.Width}
	for row := 0; row < duplicate.GridSize; row++ {
		for col := 0; col < duplicate.GridSize; col++ {
			cols.WriteString(", " + cellColumn(duplicate.Cell{Col: col, Row: row}))
			ph.WriteString(", ?")
			args = append(args, fp.Grid[row][col])
		}
	}

	stmt := fmt.Sprintf(
		"INSERT INTO fingerprints (image_id, group_name, timestamp, height, width%s) VALUES (?, ?, ?, ?, ?%s) ON CONFLICT (image_id) DO NOTHING",
		cols.String(), ph.String())
	return s.db.WithContext(ctx).Exec(stmt, args...).Error
}

func (s *Store) GetFingerprint(ctx context.Context, imageID int64) (*duplicate.Fingerprint, error) {
	var cols strings.Builder
	for row := 0; row < duplicate.GridSize; row++ {
		for col := 0; col < duplicate.GridSize; col++ {
			cols.WriteString(", " + cellColumn(duplicate.Cell{Col: col, Row: row}))
		}
	}

	rows, err := s.db.WithContext(ctx).Raw(
		"SELECT group_name, timestamp, height, width"+cols.String()+" FROM fingerprints WHERE image_id = ?",
		imageID).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, duplicate.ErrNotFound
	}

	fp := duplicate.Fingerprint{ImageID: imageID}
	dest := []any{&fp.Group, &fp.Timestamp, &fp.Height, &fp.Width}
	for row := 0; row < duplicate.GridSize; row++ {
		for col := 0; col < duplicate.GridSize; col++ {
			dest = append(dest, &fp.Grid[row][col])
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	return &fp, rows.Err()
}

func (s *Store) AddEdge(ctx context.Context, edge duplicate.DuplicateEdge) error {
	if edge.OriginalID == edge.DuplicateID {
		return fmt.Errorf("self-referential duplicate edge for image %d", edge.OriginalID)
	}

	err := s.db.WithContext(ctx).Create(&duplicateRow{
		GroupName:   edge.Group,
		OriginalID:  edge.OriginalID,
		DuplicateID: edge.DuplicateID,
		Level:       edge.Level,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// The pair is already recorded; edges are immutable.
		return nil
	}
	return err
}

func (s *Store) EdgesByImage(ctx context.Context, id int64) ([]duplicate.DuplicateEdge, error) {
	var rows []duplicateRow
	err := s.db.WithContext(ctx).
		Where("original_id = ? OR duplicate_id = ?", id, id).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	edges := make([]duplicate.DuplicateEdge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, duplicate.DuplicateEdge{
			Group:       row.GroupName,
			OriginalID:  row.OriginalID,
			DuplicateID: row.DuplicateID,
			Level:       row.Level,
		})
	}
	return edges, nil
}

func (s *Store) LegacyImageData(ctx context.Context, id int64) ([]byte, error) {
	var row imageRow
	err := s.db.WithContext(ctx).Select("id", "data").First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, duplicate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Data, nil
}

func (s *Store) ClearLegacyImageData(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Model(&imageRow{}).Where("id = ?", id).Update("data", nil).Error
}
