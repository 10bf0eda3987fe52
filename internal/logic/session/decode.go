package session

import (
	"bytes"
	"image"

	// Still formats accepted from devices besides the stdlib ones.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decoder turns the raw still bytes into an image and its format name.
type Decoder func(raw []byte) (image.Image, string, error)

// DecodeStill decodes any registered image format.
func DecodeStill(raw []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(raw))
}
