package duplicate

import (
	"fmt"
	"math"
)

// Cell addresses one fingerprint grid position.
type Cell struct {
	Col int
	Row int
}

// IndexGroups partitions the width x height fingerprint cells into count
// disjoint groups of equal size, each backing one composite range index.
// The tiling is fixed: count factors into gx columns by gy rows of groups,
// and cell (col,row) belongs to the group selected by col mod gx and
// row mod gy, so every group's cells are spread across the whole grid
// instead of being contiguous.
//
// Not every shape can be tiled this way. A prime count has no usable
// factorization, and the factors must divide the grid axes evenly; such
// configurations are rejected with an error.
func IndexGroups(width, height, count int) ([][]Cell, error) {
	gx, err := nearestDivisor(count)
	if err != nil {
		return nil, err
	}
	gy := count / gx

	if width%gx != 0 || height%gy != 0 {
		return nil, fmt.Errorf("cannot tile %dx%d grid into %d groups (%dx%d)", width, height, count, gx, gy)
	}

	spanX := width / gx
	spanY := height / gy

	groups := make([][]Cell, 0, count)
	for sx := 0; sx < gx; sx++ {
		for sy := 0; sy < gy; sy++ {
			cells := make([]Cell, 0, spanX*spanY)
			for tx := 0; tx < spanX; tx++ {
				for ty := 0; ty < spanY; ty++ {
					cells = append(cells, Cell{Col: sx + tx*gx, Row: sy + ty*gy})
				}
			}
			groups = append(groups, cells)
		}
	}
	return groups, nil
}

// DefaultIndexGroups returns the partition for the fixed 8x8 grid in 8
// groups. The shape is a compile-time constant, so failure is impossible.
func DefaultIndexGroups() [][]Cell {
	groups, err := IndexGroups(GridSize, GridSize, IndexGroupCount)
	if err != nil {
		panic(err)
	}
	return groups
}

// nearestDivisor finds the largest divisor of n not exceeding its square
// root, giving the most balanced factorization of the group count.
func nearestDivisor(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("group count must be positive, got %d", n)
	}
	d := int(math.Round(math.Sqrt(float64(n))))
	if d*d > n {
		d--
	}
	for d > 1 {
		if n%d == 0 {
			return d, nil
		}
		d--
	}
	if n == 1 {
		return 1, nil
	}
	return 0, fmt.Errorf("group count %d is prime, choose another one", n)
}
