// Package qrshare renders share links for a map view as QR code PNGs with
// a cluster marker drawn in the middle.
package qrshare

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	qrcode "github.com/skip2/go-qrcode"
)

// MaxPayload caps the encoded text; longer links do not fit a scannable code.
const MaxPayload = 2048

// Options controls the rendered image. Zero values pick defaults.
type Options struct {
	SizePx int
	Fg     color.RGBA
	Bg     color.RGBA
	Mark   color.RGBA
	// MarkFrac is the side of the central mark box relative to the image,
	// clamped to [0.15, 0.30] so ECC level H can still recover the code.
	MarkFrac float64
}

func (o *Options) defaults() {
	if o.SizePx <= 0 {
		o.SizePx = 512
	}
	if (o.Fg == color.RGBA{}) {
		o.Fg = color.RGBA{0, 0, 0, 255}
	}
	if (o.Bg == color.RGBA{}) {
		o.Bg = color.RGBA{255, 255, 255, 255}
	}
	if (o.Mark == color.RGBA{}) {
		o.Mark = color.RGBA{0x1f, 0x78, 0xb4, 255}
	}
	if o.MarkFrac <= 0 {
		o.MarkFrac = 0.24
	}
	o.MarkFrac = math.Min(math.Max(o.MarkFrac, 0.15), 0.30)
}

// EncodePNG writes a QR code for text to w.
func EncodePNG(w io.Writer, text string, opt Options) error {
	if text == "" {
		return errors.New("qrshare: empty payload")
	}
	if len(text) > MaxPayload {
		return errors.New("qrshare: payload too long")
	}
	opt.defaults()

	qr, err := qrcode.New(text, qrcode.Highest)
	if err != nil {
		return err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg

	src := qr.Image(opt.SizePx)
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	side := int(opt.MarkFrac * float64(min(b.Dx(), b.Dy())))
	side -= side % 2
	cx, cy := b.Dx()/2, b.Dy()/2
	draw.Draw(dst, image.Rect(cx-side/2, cy-side/2, cx+side/2, cy+side/2), &image.Uniform{opt.Bg}, image.Point{}, draw.Src)
	drawClusterMark(dst, cx, cy, side/2, opt.Mark, opt.Bg)

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, dst)
}

// drawClusterMark draws a filled disc with a halo ring, the usual look of a
// cluster bubble on the map.
func drawClusterMark(img *image.RGBA, cx, cy, half int, mark, bg color.RGBA) {
	outer := int(0.92 * float64(half))
	ring := int(0.78 * float64(half))
	core := int(0.62 * float64(half))
	halo := color.RGBA{mark.R, mark.G, mark.B, 110}

	fillDisc(img, cx, cy, outer, blend(halo, bg))
	fillDisc(img, cx, cy, ring, bg)
	fillDisc(img, cx, cy, core, mark)
}

func fillDisc(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	if r <= 0 {
		return
	}
	b := img.Bounds()
	for y := max(cy-r, b.Min.Y); y <= min(cy+r, b.Max.Y-1); y++ {
		dy := y - cy
		dx := int(math.Sqrt(float64(r*r - dy*dy)))
		for x := max(cx-dx, b.Min.X); x <= min(cx+dx, b.Max.X-1); x++ {
			img.SetRGBA(x, y, col)
		}
	}
}

// blend composes a translucent fg over an opaque bg.
func blend(fg, bg color.RGBA) color.RGBA {
	a := float64(fg.A) / 255
	mix := func(f, b uint8) uint8 { return uint8(math.Round(float64(f)*a + float64(b)*(1-a))) }
	return color.RGBA{mix(fg.R, bg.R), mix(fg.G, bg.G), mix(fg.B, bg.B), 255}
}
