package store

import (
	"context"
	"math/rand"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	duplicate "github.com/fvlaenix/duplicate-images"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// One in-memory sqlite database per test; a second pooled connection
	// would open a second empty database.
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	s, err := New(db)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func uniformGrid(v int) duplicate.Grid {
	var g duplicate.Grid
	for row := 0; row < duplicate.GridSize; row++ {
		for col := 0; col < duplicate.GridSize; col++ {
			g[row][col] = v
		}
	}
	return g
}

func randomGrid(r *rand.Rand) duplicate.Grid {
	var g duplicate.Grid
	for row := 0; row < duplicate.GridSize; row++ {
		for col := 0; col < duplicate.GridSize; col++ {
			g[row][col] = r.Intn(256)
		}
	}
	return g
}

func insertFingerprint(t *testing.T, s *Store, id int64, group string, ts int64, h, w int, g duplicate.Grid) {
	t.Helper()
	require.NoError(t, s.InsertFingerprint(context.Background(), duplicate.Fingerprint{
		ImageID:   id,
		Group:     group,
		Timestamp: ts,
		Height:    h,
		Width:     w,
		Grid:      g,
	}))
}

func TestCreateOrGetImage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	img := duplicate.NewImage{
		Group:          "news",
		Key:            duplicate.NaturalKey{MessageID: "m1", NumberInMessage: 0},
		AdditionalInfo: "info",
		FileName:       "a.png",
		Timestamp:      100,
	}

	id1, created, err := s.CreateOrGetImage(ctx, img)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, id1)

	id2, created, err := s.CreateOrGetImage(ctx, img)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	rec, err := s.GetImageByKey(ctx, img.Key)
	require.NoError(t, err)
	assert.Equal(t, id1, rec.ID)
	assert.Equal(t, "news", rec.Group)
	assert.Equal(t, "info", rec.AdditionalInfo)
	assert.Equal(t, "a.png", rec.FileName)
	assert.EqualValues(t, 100, rec.Timestamp)
}

func TestCreateOrGetImageSameMessageDifferentNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, created, err := s.CreateOrGetImage(ctx, duplicate.NewImage{
		Group: "news", Key: duplicate.NaturalKey{MessageID: "m1", NumberInMessage: 0},
	})
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := s.CreateOrGetImage(ctx, duplicate.NewImage{
		Group: "news", Key: duplicate.NaturalKey{MessageID: "m1", NumberInMessage: 1},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id1, id2)
}

func TestGetImageByKeyNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetImageByKey(context.Background(), duplicate.NaturalKey{MessageID: "missing"})
	assert.ErrorIs(t, err, duplicate.ErrNotFound)
}

func TestListImages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, _, err := s.CreateOrGetImage(ctx, duplicate.NewImage{
			Group: "news",
			Key:   duplicate.NaturalKey{MessageID: "m", NumberInMessage: i},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	page, err := s.ListImages(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Equal(t, ids[2], page[2].ID)

	page, err = s.ListImages(ctx, page[2].ID, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	page, err = s.ListImages(ctx, page[1].ID, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestFingerprintRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := rand.New(rand.NewSource(7))
	grid := randomGrid(r)
	insertFingerprint(t, s, 42, "news", 100, 64, 48, grid)

	fp, err := s.GetFingerprint(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 42, fp.ImageID)
	assert.Equal(t, "news", fp.Group)
	assert.EqualValues(t, 100, fp.Timestamp)
	assert.Equal(t, 64, fp.Height)
	assert.Equal(t, 48, fp.Width)
	assert.Equal(t, grid, fp.Grid)

	// Re-inserting for the same image is a no-op.
	insertFingerprint(t, s, 42, "news", 200, 64, 48, randomGrid(r))
	fp, err = s.GetFingerprint(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 100, fp.Timestamp)
	assert.Equal(t, grid, fp.Grid)

	_, err = s.GetFingerprint(ctx, 43)
	assert.ErrorIs(t, err, duplicate.ErrNotFound)
}

func TestFindCandidatesBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := uniformGrid(100)

	exactMatch := uniformGrid(100)
	atDistance := uniformGrid(100)
	atDistance[3][5] = 100 + duplicate.DefaultPixelDistance
	pastDistance := uniformGrid(100)
	pastDistance[3][5] = 100 + duplicate.DefaultPixelDistance + 1

	insertFingerprint(t, s, 1, "news", 50, 32, 32, exactMatch)
	insertFingerprint(t, s, 2, "news", 50, 32, 32, atDistance)
	insertFingerprint(t, s, 3, "news", 50, 32, 32, pastDistance)
	insertFingerprint(t, s, 4, "news", 100, 32, 32, exactMatch) // same timestamp as query
	insertFingerprint(t, s, 5, "other", 50, 32, 32, exactMatch) // different group
	insertFingerprint(t, s, 6, "news", 50, 32, 64, exactMatch)  // different width

	ids, err := s.FindCandidates(ctx, duplicate.CandidateQuery{
		Group:           "news",
		BeforeTimestamp: 100,
		Height:          32,
		Width:           32,
		Grid:            base,
		PixelDistance:   duplicate.DefaultPixelDistance,
	})
	require.NoError(t, err)

	// The cell distance bound is inclusive, the timestamp bound is not.
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestFindCandidatesEmpty(t *testing.T) {
	s := newTestStore(t)

	ids, err := s.FindCandidates(context.Background(), duplicate.CandidateQuery{
		Group:           "news",
		BeforeTimestamp: 100,
		Height:          32,
		Width:           32,
		Grid:            uniformGrid(100),
		PixelDistance:   duplicate.DefaultPixelDistance,
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFindCandidatesMatchesBruteForce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := rand.New(rand.NewSource(1))

	type stored struct {
		id   int64
		ts   int64
		grid duplicate.Grid
	}

	var all []stored
	for i := 0; i < 200; i++ {
		f := stored{id: int64(i + 1), ts: int64(r.Intn(1000)), grid: randomGrid(r)}
		// Cluster some fingerprints near a common point so both the narrow
		// and the fallback paths get exercised.
		if i%4 == 0 {
			f.grid = uniformGrid(128)
			cell := duplicate.Cell{Col: r.Intn(duplicate.GridSize), Row: r.Intn(duplicate.GridSize)}
			f.grid[cell.Row][cell.Col] += r.Intn(60) - 30
		}
		all = append(all, f)
		insertFingerprint(t, s, f.id, "news", f.ts, 32, 32, f.grid)
	}

	for trial := 0; trial < 20; trial++ {
		q := duplicate.CandidateQuery{
			Group:           "news",
			BeforeTimestamp: int64(r.Intn(1000)),
			Height:          32,
			Width:           32,
			Grid:            uniformGrid(128),
			PixelDistance:   duplicate.DefaultPixelDistance,
		}
		if trial%2 == 1 {
			q.Grid = randomGrid(r)
		}

		var want []int64
		for _, f := range all {
			if f.ts < q.BeforeTimestamp && duplicate.ChebyshevDistance(q.Grid, f.grid) <= q.PixelDistance {
				want = append(want, f.id)
			}
		}

		got, err := s.FindCandidates(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, want, got, "trial %d", trial)
	}
}

func TestDeleteImageCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _, err := s.CreateOrGetImage(ctx, duplicate.NewImage{
		Group: "news", Key: duplicate.NaturalKey{MessageID: "m1"}, Timestamp: 50,
	})
	require.NoError(t, err)
	id2, _, err := s.CreateOrGetImage(ctx, duplicate.NewImage{
		Group: "news", Key: duplicate.NaturalKey{MessageID: "m2"}, Timestamp: 100,
	})
	require.NoError(t, err)

	insertFingerprint(t, s, id1, "news", 50, 32, 32, uniformGrid(100))
	insertFingerprint(t, s, id2, "news", 100, 32, 32, uniformGrid(100))
	require.NoError(t, s.AddEdge(ctx, duplicate.DuplicateEdge{
		Group: "news", OriginalID: id1, DuplicateID: id2, Level: 3,
	}))

	require.NoError(t, s.DeleteImage(ctx, id1))

	_, err = s.GetImageByKey(ctx, duplicate.NaturalKey{MessageID: "m1"})
	assert.ErrorIs(t, err, duplicate.ErrNotFound)
	_, err = s.GetFingerprint(ctx, id1)
	assert.ErrorIs(t, err, duplicate.ErrNotFound)

	edges, err := s.EdgesByImage(ctx, id2)
	require.NoError(t, err)
	assert.Empty(t, edges)

	// The deleted fingerprint no longer narrows.
	ids, err := s.FindCandidates(ctx, duplicate.CandidateQuery{
		Group:           "news",
		BeforeTimestamp: 100,
		Height:          32,
		Width:           32,
		Grid:            uniformGrid(100),
		PixelDistance:   duplicate.DefaultPixelDistance,
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAddEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	edge := duplicate.DuplicateEdge{Group: "news", OriginalID: 1, DuplicateID: 2, Level: 5}
	require.NoError(t, s.AddEdge(ctx, edge))
	require.NoError(t, s.AddEdge(ctx, edge))

	edges, err := s.EdgesByImage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, edge, edges[0])

	assert.Error(t, s.AddEdge(ctx, duplicate.DuplicateEdge{OriginalID: 7, DuplicateID: 7}))
}

func TestLegacyImageData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateOrGetImage(ctx, duplicate.NewImage{
		Group: "news", Key: duplicate.NaturalKey{MessageID: "m1"},
	})
	require.NoError(t, err)

	data, err := s.LegacyImageData(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.db.Model(&imageRow{}).Where("id = ?", id).
		Update("data", []byte("legacy bytes")).Error)

	data, err = s.LegacyImageData(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy bytes"), data)

	require.NoError(t, s.ClearLegacyImageData(ctx, id))
	data, err = s.LegacyImageData(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = s.LegacyImageData(ctx, id+1)
	assert.ErrorIs(t, err, duplicate.ErrNotFound)
}
