package store

import (
	"context"
	"fmt"
	"strings"

	duplicate "github.com/fvlaenix/duplicate-images"
)

// Migrate creates the model tables and the fingerprint table. The
// fingerprint table carries one column per grid cell plus one composite
// index per partition group, so its DDL is generated from the partition
// instead of a static model.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&imageRow{}, &duplicateRow{}); err != nil {
		return err
	}

	for _, stmt := range fingerprintDDL(s.groups) {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func fingerprintDDL(groups [][]duplicate.Cell) []string {
	var cols strings.Builder
	for row := 0; row < duplicate.GridSize; row++ {
		for col := 0; col < duplicate.GridSize; col++ {
			fmt.Fprintf(&cols, ", %s INTEGER NOT NULL", cellColumn(duplicate.Cell{Col: col, Row: row}))
		}
	}

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS fingerprints (" +
			"image_id BIGINT PRIMARY KEY" +
			", group_name VARCHAR(40) NOT NULL" +
			", timestamp BIGINT NOT NULL" +
			", height INTEGER NOT NULL" +
			", width INTEGER NOT NULL" +
			cols.String() + ")",
	}

	for i, cells := range groups {
		var idxCols strings.Builder
		for _, c := range cells {
			idxCols.WriteString(", " + cellColumn(c))
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_fingerprints_group_%d ON fingerprints (group_name, timestamp, height, width%s)",
			i, idxCols.String()))
	}
	return stmts
}

func cellColumn(c duplicate.Cell) string {
	return fmt.Sprintf("cell_%d_%d", c.Row, c.Col)
}
