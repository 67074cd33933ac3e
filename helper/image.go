package helper

import (
	"image"
)

// NewCanonical allocates a zeroed single channel frame of the canonical shape.
func NewCanonical(size image.Point) *image.Gray {
	return image.NewGray(image.Rect(0, 0, size.X, size.Y))
}

// Normalize reduces img to one channel and places it into dst anchored at the top-left corner.
// The rest of dst is zero filled, anything outside of dst is cropped.
// Colour images keep their green channel only.
func Normalize(dst *image.Gray, img image.Image) {
	clear(dst.Pix)

	if img == nil {
		return
	}

	src := img.Bounds()
	w := min(src.Dx(), dst.Rect.Dx())
	h := min(src.Dy(), dst.Rect.Dy())

	switch im := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			from := im.PixOffset(src.Min.X, src.Min.Y+y)
			to := dst.PixOffset(dst.Rect.Min.X, dst.Rect.Min.Y+y)
			copy(dst.Pix[to:to+w], im.Pix[from:from+w])
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			from := im.PixOffset(src.Min.X, src.Min.Y+y)
			to := dst.PixOffset(dst.Rect.Min.X, dst.Rect.Min.Y+y)
			for x := 0; x < w; x++ {
				dst.Pix[to+x] = im.Pix[from+x*4+1]
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			from := im.PixOffset(src.Min.X, src.Min.Y+y)
			to := dst.PixOffset(dst.Rect.Min.X, dst.Rect.Min.Y+y)
			for x := 0; x < w; x++ {
				dst.Pix[to+x] = im.Pix[from+x*4+1]
			}
		}
	default:
		for y := 0; y < h; y++ {
			to := dst.PixOffset(dst.Rect.Min.X, dst.Rect.Min.Y+y)
			for x := 0; x < w; x++ {
				_, g, _, _ := img.At(src.Min.X+x, src.Min.Y+y).RGBA()
				dst.Pix[to+x] = uint8(g >> 8)
			}
		}
	}
}

// Clone copies a gray frame, used for previews that outlive the shared buffer.
func Clone(img *image.Gray) *image.Gray {
	c := image.NewGray(img.Rect)
	copy(c.Pix, img.Pix)
	return c
}
