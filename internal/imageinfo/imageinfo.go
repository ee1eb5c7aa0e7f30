// Package imageinfo probes uploaded images for their format and natural size
// and converts them to and from data URLs.
package imageinfo

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	// registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/OCAP2/worldmap/pkg/core"
)

var (
	ErrEmpty       = errors.New("image is empty")
	ErrUnsupported = errors.New("unsupported image format")
	ErrNotDataURL  = errors.New("not a base64 data URL")
)

var mimeTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
}

// Info describes a decoded image header.
type Info struct {
	Format string
	MIME   string
	Size   core.Size
}

// Probe reads the image header without decoding pixel data.
func Probe(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmpty
	}
	return probe(bytes.NewReader(data))
}

func probe(r io.Reader) (Info, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: zero dimensions", ErrUnsupported)
	}
	return Info{
		Format: format,
		MIME:   mimeTypes[format],
		Size:   core.Size{Width: float64(cfg.Width), Height: float64(cfg.Height)},
	}, nil
}

// DataURL embeds an image as a base64 data URL.
func DataURL(data []byte) (string, error) {
	info, err := Probe(data)
	if err != nil {
		return "", err
	}
	return "data:" + info.MIME + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// IsDataURL reports whether ref is an inline data URL rather than a link.
func IsDataURL(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// ParseDataURL decodes a base64 data URL.
func ParseDataURL(ref string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, ErrNotDataURL
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrNotDataURL, err)
	}
	return mime, data, nil
}
