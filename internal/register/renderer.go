package register

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
)

// glyphs is a 5x7 bitmap font covering the captcha alphabet. Each entry is
// seven rows of five bits, MSB on the left.
var glyphs = map[byte][7]byte{
	'2': {0x0E, 0x11, 0x01, 0x02, 0x04, 0x08, 0x1F},
	'3': {0x1E, 0x01, 0x01, 0x0E, 0x01, 0x01, 0x1E},
	'4': {0x02, 0x06, 0x0A, 0x12, 0x1F, 0x02, 0x02},
	'5': {0x1F, 0x10, 0x1E, 0x01, 0x01, 0x11, 0x0E},
	'6': {0x06, 0x08, 0x10, 0x1E, 0x11, 0x11, 0x0E},
	'7': {0x1F, 0x01, 0x02, 0x04, 0x08, 0x08, 0x08},
	'8': {0x0E, 0x11, 0x11, 0x0E, 0x11, 0x11, 0x0E},
	'9': {0x0E, 0x11, 0x11, 0x0F, 0x01, 0x02, 0x0C},
	'A': {0x0E, 0x11, 0x11, 0x1F, 0x11, 0x11, 0x11},
	'B': {0x1E, 0x11, 0x11, 0x1E, 0x11, 0x11, 0x1E},
	'C': {0x0E, 0x11, 0x10, 0x10, 0x10, 0x11, 0x0E},
	'D': {0x1E, 0x11, 0x11, 0x11, 0x11, 0x11, 0x1E},
	'E': {0x1F, 0x10, 0x10, 0x1E, 0x10, 0x10, 0x1F},
	'F': {0x1F, 0x10, 0x10, 0x1E, 0x10, 0x10, 0x10},
	'G': {0x0E, 0x11, 0x10, 0x17, 0x11, 0x11, 0x0F},
	'H': {0x11, 0x11, 0x11, 0x1F, 0x11, 0x11, 0x11},
	'J': {0x07, 0x02, 0x02, 0x02, 0x02, 0x12, 0x0C},
	'K': {0x11, 0x12, 0x14, 0x18, 0x14, 0x12, 0x11},
	'L': {0x10, 0x10, 0x10, 0x10, 0x10, 0x10, 0x1F},
	'M': {0x11, 0x1B, 0x15, 0x15, 0x11, 0x11, 0x11},
	'N': {0x11, 0x19, 0x15, 0x13, 0x11, 0x11, 0x11},
	'P': {0x1E, 0x11, 0x11, 0x1E, 0x10, 0x10, 0x10},
	'Q': {0x0E, 0x11, 0x11, 0x11, 0x15, 0x12, 0x0D},
	'R': {0x1E, 0x11, 0x11, 0x1E, 0x14, 0x12, 0x11},
	'S': {0x0F, 0x10, 0x10, 0x0E, 0x01, 0x01, 0x1E},
	'T': {0x1F, 0x04, 0x04, 0x04, 0x04, 0x04, 0x04},
	'U': {0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x0E},
	'V': {0x11, 0x11, 0x11, 0x11, 0x11, 0x0A, 0x04},
	'W': {0x11, 0x11, 0x11, 0x15, 0x15, 0x1B, 0x11},
	'X': {0x11, 0x11, 0x0A, 0x04, 0x0A, 0x11, 0x11},
	'Y': {0x11, 0x11, 0x0A, 0x04, 0x04, 0x04, 0x04},
	'Z': {0x1F, 0x01, 0x02, 0x04, 0x08, 0x10, 0x1F},
}

const (
	glyphScale  = 6
	glyphWidth  = 5 * glyphScale
	glyphHeight = 7 * glyphScale
	padding     = 10
)

// BitmapRenderer is the built-in fallback renderer: scaled bitmap glyphs on
// a light background with pixel noise. Deployments wanting prettier images
// plug their own Renderer in.
type BitmapRenderer struct{}

// NewBitmapRenderer creates the fallback renderer.
func NewBitmapRenderer() *BitmapRenderer {
	return &BitmapRenderer{}
}

// Render draws text into a PNG.
func (r *BitmapRenderer) Render(text string) ([]byte, error) {
	width := padding*2 + len(text)*(glyphWidth+glyphScale)
	height := padding*2 + glyphHeight
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	bg := color.RGBA{R: 0xF2, G: 0xF2, B: 0xEE, A: 0xFF}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, bg)
		}
	}

	for i := 0; i < len(text); i++ {
		g, ok := glyphs[text[i]]
		if !ok {
			return nil, fmt.Errorf("no glyph for %q", text[i])
		}
		ox := padding + i*(glyphWidth+glyphScale)
		oy := padding + rand.Intn(glyphScale*2) - glyphScale
		ink := color.RGBA{
			R: uint8(40 + rand.Intn(120)),
			G: uint8(40 + rand.Intn(120)),
			B: uint8(40 + rand.Intn(120)),
			A: 0xFF,
		}
		drawGlyph(img, g, ox, oy, ink)
	}

	// Noise keeps trivial OCR honest.
	for i := 0; i < width*height/30; i++ {
		img.Set(rand.Intn(width), rand.Intn(height), color.RGBA{
			R: uint8(rand.Intn(256)), G: uint8(rand.Intn(256)), B: uint8(rand.Intn(256)), A: 0xFF,
		})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode captcha png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawGlyph(img *image.RGBA, g [7]byte, ox, oy int, ink color.RGBA) {
	for row := 0; row < 7; row++ {
		for col := 0; col < 5; col++ {
			if g[row]&(1<<(4-col)) == 0 {
				continue
			}
			for dy := 0; dy < glyphScale; dy++ {
				for dx := 0; dx < glyphScale; dx++ {
					img.Set(ox+col*glyphScale+dx, oy+row*glyphScale+dy, ink)
				}
			}
		}
	}
}
