package media

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"golang.org/x/image/draw"
)

// ThumbMaxDim is the bounding box for derived thumbnails.
const ThumbMaxDim = 350

// fitWithin scales (w, h) to fit inside max x max, preserving aspect.
// Images already inside the box keep their size.
func fitWithin(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		return max, h * max / w
	}
	return w * max / h, max
}

// MakeImageThumbnail decodes the image at srcPath, scales it to fit
// ThumbMaxDim, re-encodes it in the source format and writes it to dstPath.
// The encoded bytes are returned so handlers can inline them into the
// response without a second read.
func MakeImageThumbnail(srcPath, dstPath string) ([]byte, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := fitWithin(bounds.Dx(), bounds.Dy(), ThumbMaxDim)
	thumb := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, thumb)
	case "gif":
		err = gif.Encode(&buf, thumb, nil)
	default:
		err = jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	if err := os.WriteFile(dstPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
