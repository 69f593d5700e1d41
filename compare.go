package duplicate

import (
	"image"
	"math/rand"
)

// Comparator is the exact pixel-level verifier. It confirms or rejects a
// candidate pair and scores confirmed pairs with the maximum squared
// per-channel RGB distance found across the whole image.
//
// Thresholds are injected at construction; instances are safe for
// concurrent use.
type Comparator struct {
	tolerancePerPoint int64
	probePoints       int
}

func NewComparator(tolerancePerPoint int64, probePoints int) *Comparator {
	return &Comparator{
		tolerancePerPoint: tolerancePerPoint,
		probePoints:       probePoints,
	}
}

// Compare verifies two images. It returns (level, true) when every pixel
// pair is within the per-point tolerance, with level the exact maximum
// squared RGB distance observed. It returns (0, false) when the images
// differ in size or any pixel exceeds the tolerance.
//
// A fixed number of random pixels is probed first so that grossly
// different images are rejected without scanning everything. The probe can
// only produce early true negatives: whenever it passes, the exhaustive
// scan below revisits every pixel, so a non-rejected level never depends
// on which points were sampled.
func (c *Comparator) Compare(a, b image.Image) (int64, bool) {
	ab, bb := a.Bounds(), b.Bounds()
	width, height := ab.Dx(), ab.Dy()
	if width != bb.Dx() || height != bb.Dy() {
		return 0, false
	}

	var max int64
	for i := 0; i < c.probePoints; i++ {
		x, y := rand.Intn(width), rand.Intn(height)
		d, ok := c.diffAt(a, b, x, y)
		if !ok {
			return 0, false
		}
		if d > max {
			max = d
		}
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			d, ok := c.diffAt(a, b, x, y)
			if !ok {
				return 0, false
			}
			if d > max {
				max = d
			}
		}
	}
	return max, true
}

func (c *Comparator) diffAt(a, b image.Image, x, y int) (int64, bool) {
	ar, ag, ab_, _ := a.At(a.Bounds().Min.X+x, a.Bounds().Min.Y+y).RGBA()
	br, bg, bb_, _ := b.At(b.Bounds().Min.X+x, b.Bounds().Min.Y+y).RGBA()

	dr := int64(ar>>8) - int64(br>>8)
	dg := int64(ag>>8) - int64(bg>>8)
	db := int64(ab_>>8) - int64(bb_>>8)

	d := dr*dr + dg*dg + db*db
	if d > c.tolerancePerPoint {
		return 0, false
	}
	return d, true
}
