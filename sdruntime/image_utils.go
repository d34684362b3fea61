package sdruntime

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
)

var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// ErrNotPNG is returned when backend output is not a PNG.
var ErrNotPNG = errors.New("sdruntime: output is not a valid PNG")

// IsPNG checks the PNG signature.
func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// PNGSize validates data as a PNG and returns its dimensions. Only the header
// is decoded.
func PNGSize(data []byte) (width, height int, err error) {
	if !IsPNG(data) {
		return 0, 0, ErrNotPNG
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotPNG, err)
	}
	return cfg.Width, cfg.Height, nil
}
