package store

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	duplicate "github.com/fvlaenix/duplicate-images"
	"github.com/fvlaenix/duplicate-images/log"
)

// FindCandidates narrows the fingerprint table to image ids whose grid may
// be within PixelDistance of the query grid. Each partition group gets one
// range query over its composite index; the results are intersected as they
// arrive. Once the running set shrinks to the fallback threshold the
// remaining groups are skipped in favor of one exact in-process pass, which
// also makes the result precise rather than a superset.
func (s *Store) FindCandidates(ctx context.Context, q duplicate.CandidateQuery) ([]int64, error) {
	var (
		current     map[int64]struct{}
		constrained bool
	)

	for _, cells := range s.groups {
		ids, err := s.groupRangeQuery(ctx, q, cells)
		if err != nil {
			return nil, err
		}

		if !constrained {
			current = make(map[int64]struct{}, len(ids))
			for _, id := range ids {
				current[id] = struct{}{}
			}
			constrained = true
		} else {
			keep := make(map[int64]struct{}, len(ids))
			for _, id := range ids {
				if _, ok := current[id]; ok {
					keep[id] = struct{}{}
				}
			}
			current = keep
		}

		if len(current) == 0 {
			return nil, nil
		}
		if len(current) <= s.FallbackThreshold {
			break
		}
	}

	ids := make([]int64, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) <= s.FallbackThreshold {
		return s.filterExact(ctx, q, ids)
	}

	if len(ids) > 100 {
		log.Warn("candidate narrowing left a large set",
			zap.String("group", q.Group), zap.Int("candidates", len(ids)))
	}
	return ids, nil
}

// groupRangeQuery selects ids matching group, size and timestamp whose
// cells in one partition group all fall within PixelDistance of the query.
// The column order mirrors the composite index built at migration.
func (s *Store) groupRangeQuery(ctx context.Context, q duplicate.CandidateQuery, cells []duplicate.Cell) ([]int64, error) {
	var sql strings.Builder
	sql.WriteString("SELECT image_id FROM fingerprints WHERE group_name = ? AND timestamp < ? AND height = ? AND width = ?")
	args := []any{q.Group, q.BeforeTimestamp, q.Height, q.Width}

	for _, c := range cells {
		sql.WriteString(" AND " + cellColumn(c) + " BETWEEN ? AND ?")
		v := q.Grid[c.Row][c.Col]
		args = append(args, v-q.PixelDistance, v+q.PixelDistance)
	}

	var ids []int64
	if err := s.db.WithContext(ctx).Raw(sql.String(), args...).Scan(&ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// filterExact keeps only ids whose full stored grid is within PixelDistance
// of the query grid on every cell.
func (s *Store) filterExact(ctx context.Context, q duplicate.CandidateQuery, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var cols strings.Builder
	for row := 0; row < duplicate.GridSize; row++ {
		for col := 0; col < duplicate.GridSize; col++ {
			cols.WriteString(", " + cellColumn(duplicate.Cell{Col: col, Row: row}))
		}
	}

	rows, err := s.db.WithContext(ctx).Raw(
		"SELECT image_id"+cols.String()+" FROM fingerprints WHERE image_id IN ? ORDER BY image_id",
		ids).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kept []int64
	for rows.Next() {
		var (
			id   int64
			grid duplicate.Grid
		)
		dest := []any{&id}
		for row := 0; row < duplicate.GridSize; row++ {
			for col := 0; col < duplicate.GridSize; col++ {
				dest = append(dest, &grid[row][col])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if duplicate.ChebyshevDistance(q.Grid, grid) <= q.PixelDistance {
			kept = append(kept, id)
		}
	}
	return kept, rows.Err()
}
