package iconpack

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"

	"golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/jpalka/notimirror/internal/logging"
)

var iconLog = logging.ForComponent(logging.CompIcon)

// decodeStrategy is one attempt at reading an icon payload. Strategies are
// tried in order; the first success wins.
type decodeStrategy struct {
	name   string
	decode func(data []byte) (image.Image, error)
}

var imageStrategies = []decodeStrategy{
	{"png", func(data []byte) (image.Image, error) { return png.Decode(bytes.NewReader(data)) }},
	{"jpeg", func(data []byte) (image.Image, error) { return jpeg.Decode(bytes.NewReader(data)) }},
	{"webp", func(data []byte) (image.Image, error) { return webp.Decode(bytes.NewReader(data)) }},
	{"gif", func(data []byte) (image.Image, error) { return gif.Decode(bytes.NewReader(data)) }},
}

// Legacy bridges ship the image base64-wrapped inside the binary payload,
// so the base64 strategies run after the plain image decoders.
var strategies []decodeStrategy

func init() {
	strategies = append(strategies, imageStrategies...)
	strategies = append(strategies,
		decodeStrategy{"base64", decodeBase64},
		decodeStrategy{"base64url", decodeBase64URL},
	)
}

func decodeBase64(data []byte) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

func decodeBase64URL(data []byte) (image.Image, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

func decodeRaw(raw []byte) (image.Image, error) {
	for _, s := range imageStrategies {
		if img, err := s.decode(raw); err == nil {
			return img, nil
		}
	}
	return nil, errors.New("iconpack: unrecognized image data")
}

// Decode runs the strategy chain over an icon payload.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("iconpack: empty payload")
	}
	for _, s := range strategies {
		if img, err := s.decode(data); err == nil {
			return img, nil
		}
	}
	return nil, errors.New("iconpack: no decode strategy matched")
}

// Placeholder returns the default icon used when every decode strategy fails.
func Placeholder() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	fill := color.RGBA{R: 0x78, G: 0x7f, B: 0xa0, A: 0xff}
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, fill)
		}
	}
	return img
}

// Resolver normalizes icon payloads to PNG, collapsing concurrent decodes of
// the same app's icon into one.
type Resolver struct {
	group singleflight.Group
}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns a PNG-encoded icon for the payload, falling back to the
// placeholder on any failure. It never returns nil and never fails the
// caller. cacheKey is typically the app|profile partition key.
func (r *Resolver) Resolve(cacheKey string, data []byte) []byte {
	out, _, _ := r.group.Do(cacheKey, func() (any, error) {
		img, err := Decode(data)
		if err != nil {
			iconLog.Debug("icon_decode_failed", slog.String("key", cacheKey), slog.String("error", err.Error()))
			img = Placeholder()
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			// Encoding an in-memory image only fails on writer errors, but
			// degrade to the raw payload rather than dropping the icon.
			return data, nil
		}
		return buf.Bytes(), nil
	})
	encoded, ok := out.([]byte)
	if !ok || len(encoded) == 0 {
		return data
	}
	return encoded
}
