package formats

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/me/weft/internal/registry"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

func isPNG(data any) error {
	b, ok := data.([]byte)
	if !ok {
		return fmt.Errorf("want PNG bytes, got %T", data)
	}
	if !bytes.HasPrefix(b, pngSignature) {
		return fmt.Errorf("missing PNG signature")
	}
	return nil
}

func isRaster(data any) error {
	if _, ok := data.(image.Image); !ok {
		return fmt.Errorf("want image.Image, got %T", data)
	}
	return nil
}

func isBase64PNG(data any) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("want base64 text, got %T", data)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return isPNG(b)
}

func encodePNG(d any) (any, error) {
	img, ok := d.(image.Image)
	if !ok {
		return nil, fmt.Errorf("want image.Image, got %T", d)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePNG(d any) (any, error) {
	if err := isPNG(d); err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(d.([]byte)))
}

func registerImage(reg *registry.Registry) error {
	if err := reg.RegisterType(TypeImage, "Raster image"); err != nil {
		return err
	}
	pngCodec := &registry.Codec{
		Ext:       ".png",
		MediaType: "image/png",
		Encode: func(data any) ([]byte, error) {
			if err := isPNG(data); err != nil {
				return nil, err
			}
			return data.([]byte), nil
		},
		Decode: func(b []byte) (any, error) { return b, nil },
	}
	if err := reg.RegisterFormat(Ref(TypeImage, "png"),
		registry.WithDescription("PNG encoded bytes"),
		registry.WithValidator(isPNG),
		registry.WithCodec(pngCodec),
	); err != nil {
		return err
	}
	if err := reg.RegisterFormat(Ref(TypeImage, "raster"),
		registry.WithDescription("Decoded image.Image"),
		registry.WithValidator(isRaster),
	); err != nil {
		return err
	}
	if err := reg.RegisterFormat(Ref(TypeImage, "base64"),
		registry.WithDescription("Base64 text of PNG bytes"),
		registry.WithValidator(isBase64PNG),
		registry.WithCodec(textCodec(".b64", "text/plain")),
	); err != nil {
		return err
	}

	return registerPairs(reg, TypeImage, []pair{
		{a: "png", b: "raster", cost: 2, lossless: true, ab: pure(decodePNG), ba: pure(encodePNG)},
		{
			a: "png", b: "base64", cost: 1, lossless: true,
			ab: pure(func(d any) (any, error) {
				if err := isPNG(d); err != nil {
					return nil, err
				}
				return base64.StdEncoding.EncodeToString(d.([]byte)), nil
			}),
			ba: pure(func(d any) (any, error) {
				s, ok := d.(string)
				if !ok {
					return nil, fmt.Errorf("want base64 text, got %T", d)
				}
				return base64.StdEncoding.DecodeString(s)
			}),
		},
	})
}
