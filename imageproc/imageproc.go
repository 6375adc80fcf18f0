// Package imageproc renders segmentation results as images.
package imageproc

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Kernel selects the interpolation used by Resize.
type Kernel int

const (
	Bilinear Kernel = iota
	NearestNeighbor
	ApproxBilinear
	CatmullRom
)

// Palette generates the classic segmentation colormap: index 0 is
// black for the background and every later index gets a distinct
// color by spreading its bits across the channels.
func Palette(n int) color.Palette {
	if n > 256 {
		panic("imageproc: paletted masks support at most 256 categories")
	}

	p := make(color.Palette, n)
	for i := range p {
		var r, g, b uint8
		for j, id := 0, i; id != 0 && j < 8; j, id = j+1, id>>3 {
			r |= uint8(id&1) << (7 - j)
			g |= uint8(id>>1&1) << (7 - j)
			b |= uint8(id>>2&1) << (7 - j)
		}

		p[i] = color.RGBA{r, g, b, 0xff}
	}

	return p
}

// Mask renders per pixel category indices as a paletted image.
func Mask(classes []int, width, height int, palette color.Palette) *image.Paletted {
	if len(classes) != width*height {
		panic(fmt.Sprintf("imageproc: %d classes cannot fill a %dx%d mask", len(classes), width, height))
	}

	img := image.NewPaletted(image.Rect(0, 0, width, height), palette)
	for i, class := range classes {
		if class < 0 || class >= len(palette) {
			panic(fmt.Sprintf("imageproc: class %d outside the %d color palette", class, len(palette)))
		}

		img.Pix[i] = uint8(class)
	}

	return img
}

// Resize returns an image scaled to a new size.
func Resize(img image.Image, width, height int, kernel Kernel) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	interpolators := map[Kernel]draw.Interpolator{
		Bilinear:        draw.BiLinear,
		NearestNeighbor: draw.NearestNeighbor,
		ApproxBilinear:  draw.ApproxBiLinear,
		CatmullRom:      draw.CatmullRom,
	}

	interpolator, ok := interpolators[kernel]
	if !ok {
		panic("imageproc: no such resize kernel")
	}

	interpolator.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// Overlay blends a mask over an image at the given opacity, scaling
// the mask to the image first when the sizes differ.
func Overlay(img image.Image, mask image.Image, opacity float64) image.Image {
	if opacity < 0 {
		opacity = 0
	} else if opacity > 1 {
		opacity = 1
	}

	if !mask.Bounds().Size().Eq(img.Bounds().Size()) {
		size := img.Bounds().Size()
		mask = Resize(mask, size.X, size.Y, NearestNeighbor)
	}

	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)

	alpha := image.NewUniform(color.Alpha{A: uint8(opacity*0xff + 0.5)})
	draw.DrawMask(dst, dst.Bounds(), mask, mask.Bounds().Min, alpha, image.Point{}, draw.Over)

	return dst
}
