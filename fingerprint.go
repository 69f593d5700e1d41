package duplicate

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Grid is the 8x8 perceptual fingerprint of an image: one luma sample in
// [0,255] per cell, indexed as Grid[row][col].
type Grid [GridSize][GridSize]int

// ExtractGrid resamples img down to GridSize x GridSize with a kernel
// scaler and takes the BT.601 luma of every output pixel. Deterministic for
// a given input; the caller owns decoding and reports decode failures.
func ExtractGrid(img image.Image) Grid {
	small := image.NewRGBA(image.Rect(0, 0, GridSize, GridSize))
	xdraw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var g Grid
	for row := 0; row < GridSize; row++ {
		for col := 0; col < GridSize; col++ {
			c := small.RGBAAt(col, row)
			g[row][col] = luma(c.R, c.G, c.B)
		}
	}
	return g
}

func luma(r, g, b uint8) int {
	return int(math.Round(0.2989*float64(r) + 0.5870*float64(g) + 0.1140*float64(b)))
}

// ChebyshevDistance returns the maximum absolute per-cell difference
// between two grids.
func ChebyshevDistance(a, b Grid) int {
	max := 0
	for row := 0; row < GridSize; row++ {
		for col := 0; col < GridSize; col++ {
			d := a[row][col] - b[row][col]
			if d < 0 {
				d = -d
			}
			if d > max {
				max = d
			}
		}
	}
	return max
}
