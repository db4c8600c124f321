package imagestore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrInvalidBase64 is returned when the payload is not base64.
	ErrInvalidBase64 = errors.New("image_data must be a base64 encoded string")
	// ErrUnsupportedImage is returned when the bytes are not a decodable image.
	ErrUnsupportedImage = errors.New("image_data is not a supported image")
)

// Image is a decoded upload: the raw bytes plus what the header sniffing found.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Ext returns the file extension used when storing the image.
func (i Image) Ext() string {
	if i.Format == "jpeg" {
		return "jpg"
	}
	return i.Format
}

// DecodeBase64 decodes a base64 payload, optionally prefixed with a data URL
// header, and checks that it is an image in a known format.
func DecodeBase64(payload string) (Image, error) {
	if idx := strings.Index(payload, ";base64,"); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+len(";base64,"):]
	}
	payload = strings.TrimSpace(payload)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return Image{}, ErrInvalidBase64
		}
	}
	return Decode(data)
}

// Decode checks that data is an image in a known format.
func Decode(data []byte) (Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Image{}, fmt.Errorf("%w: empty dimensions", ErrUnsupportedImage)
	}
	return Image{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
