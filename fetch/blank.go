package fetch

import (
	"bytes"
	"image"
	"image/png"
)

// IsBlankPNG reports whether the payload is a PNG in which every pixel is
// fully transparent. Jobs that opt out of storing blank tiles discard
// these instead of persisting them, so sparse overlays do not fill the
// archive with empty tiles. The trade-off is documented: a later read of
// that coordinate sees "absent" rather than "empty but present".
//
// Non-PNG and undecodable payloads are never considered blank.
func IsBlankPNG(data []byte) bool {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}

	b := img.Bounds()
	if b.Empty() {
		return false
	}

	// NRGBA and RGBA cover what tile servers actually emit; fall back to
	// the generic interface for anything else.
	switch im := img.(type) {
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := im.Pix[(y-b.Min.Y)*im.Stride : (y-b.Min.Y)*im.Stride+b.Dx()*4]
			for x := 3; x < len(row); x += 4 {
				if row[x] != 0 {
					return false
				}
			}
		}
		return true
	case *image.RGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := im.Pix[(y-b.Min.Y)*im.Stride : (y-b.Min.Y)*im.Stride+b.Dx()*4]
			for x := 3; x < len(row); x += 4 {
				if row[x] != 0 {
					return false
				}
			}
		}
		return true
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
					return false
				}
			}
		}
		return true
	}
}
