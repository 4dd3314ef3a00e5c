// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posedata

import (
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// LoadImage reads and decodes the image file, applying the EXIF orientation if there is one.
func LoadImage(imagePath string) (image.Image, error) {
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", imagePath)
	}
	return img, nil
}

// Resize stretches the image to size x size, without preserving the aspect ratio: this is how the
// model was trained, so inference must use the same.
func Resize(img image.Image, size int) image.Image {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return img
	}
	return imaging.Resize(img, size, size, imaging.Linear)
}

// Augmentation holds the random transformations applied to training images.
type Augmentation struct {
	// Shear is the maximum shear angle, in degrees. The angle is sampled uniformly from [-Shear, Shear].
	Shear float64

	// Zoom is the range of the zoom factors: each axis is scaled by a factor sampled uniformly from
	// [1-Zoom, 1+Zoom]. Factors > 1 zoom out.
	Zoom float64

	// Flip horizontally with probability 0.5.
	Flip bool
}

// IsIdentity returns whether the augmentation never changes the image.
func (a *Augmentation) IsIdentity() bool {
	return a == nil || (a.Shear == 0 && a.Zoom == 0 && !a.Flip)
}

// Apply a random augmentation to img. The returned image has the same size as img.
// Areas uncovered by the transformation are filled with black.
func (a *Augmentation) Apply(img image.Image, rng *rand.Rand) image.Image {
	if a.IsIdentity() {
		return img
	}
	if a.Flip && rng.IntN(2) == 1 {
		img = imaging.FlipH(img)
	}
	if a.Shear == 0 && a.Zoom == 0 {
		return img
	}
	shear := (2*rng.Float64() - 1) * a.Shear * math.Pi / 180
	zoomX := 1 + (2*rng.Float64()-1)*a.Zoom
	zoomY := 1 + (2*rng.Float64()-1)*a.Zoom
	return affine(img, shear, zoomX, zoomY)
}

// affine applies the shear (radians) and zoom factors around the center of the image.
//
// The matrix A = Shear x Zoom maps destination coordinates (relative to the center) to source coordinates,
// draw.Transform takes the inverse.
func affine(img image.Image, shear, zoomX, zoomY float64) image.Image {
	bounds := img.Bounds()
	a00, a01 := zoomX, -math.Sin(shear)*zoomY
	a10, a11 := 0.0, math.Cos(shear)*zoomY
	det := a00*a11 - a01*a10
	m00, m01 := a11/det, -a01/det
	m10, m11 := -a10/det, a00/det
	cx := float64(bounds.Min.X) + float64(bounds.Dx())/2
	cy := float64(bounds.Min.Y) + float64(bounds.Dy())/2
	srcToDst := f64.Aff3{
		m00, m01, cx - (m00*cx + m01*cy),
		m10, m11, cy - (m10*cx + m11*cy),
	}
	dst := image.NewNRGBA(bounds)
	draw.BiLinear.Transform(dst, srcToDst, img, bounds, draw.Src, nil)
	return dst
}
