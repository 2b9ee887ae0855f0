package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/observability"
	"github.com/disintegration/imaging"
	"github.com/jdeng/goheif"
	"go.uber.org/zap"
)

const HEICExt = ".heic"

// Decoder turns an encoded image into pixels.
type Decoder func(r io.Reader) (image.Image, error)

type TranscoderConfig struct {
	MaxDimension int
	Quality      int
	// UsePNG switches the output to PNG. The zero value encodes JPEG.
	UsePNG       bool
	// AsyncThreshold is the payload size above which Transcode runs the
	// conversion on the pool.
	AsyncThreshold int
	Decoder        Decoder
	Metrics        *observability.StorageMetrics
}

// Conversion is the output of a transcode. On failure Data and Ext are the
// input unchanged and Converted is false.
type Conversion struct {
	Data      []byte
	Ext       string
	Converted bool
}

// Transcoder converts HEIC photos to JPEG or PNG.
type Transcoder struct {
	config TranscoderConfig
	pool   *Pool
	logger *zap.Logger
}

func NewTranscoder(config TranscoderConfig, pool *Pool, logger *zap.Logger) *Transcoder {
	if config.MaxDimension <= 0 {
		config.MaxDimension = 2048
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 85
	}
	if config.AsyncThreshold <= 0 {
		config.AsyncThreshold = 5 * 1024 * 1024
	}
	if config.Decoder == nil {
		config.Decoder = goheif.Decode
	}
	return &Transcoder{
		config: config,
		pool:   pool,
		logger: observability.OrNop(logger).Named("transcoder"),
	}
}

// IsHEIC reports whether ext names the HEIC container.
func IsHEIC(ext string) bool {
	return ext == HEICExt
}

// OutputExt is the extension a successful conversion produces.
func (t *Transcoder) OutputExt() string {
	if t.config.UsePNG {
		return ".png"
	}
	return ".jpg"
}

// Transcode converts data inline when it is small and on the pool otherwise.
// The only error it returns is ctx's.
func (t *Transcoder) Transcode(ctx context.Context, data []byte) (Conversion, error) {
	if len(data) > t.config.AsyncThreshold {
		return t.ConvertAsync(ctx, data)
	}
	return t.Convert(data), nil
}

// ConvertAsync runs Convert on the worker pool and waits for it. If the pool
// is closed the conversion runs on the calling goroutine.
func (t *Transcoder) ConvertAsync(ctx context.Context, data []byte) (Conversion, error) {
	if t.pool == nil {
		return t.Convert(data), nil
	}

	var out Conversion
	err := t.pool.Do(ctx, func() {
		out = t.convert(data, "async")
	})
	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		return Conversion{}, ctx.Err()
	default:
		t.logger.Warn("worker pool unavailable, converting inline", zap.Error(err))
		return t.Convert(data), nil
	}
}

// Convert decodes a HEIC payload, bounds its longer side to MaxDimension,
// flattens it to RGB and re-encodes it. It never fails: any error yields the
// original bytes with the ".heic" extension.
func (t *Transcoder) Convert(data []byte) Conversion {
	return t.convert(data, "sync")
}

func (t *Transcoder) convert(data []byte, mode string) (out Conversion) {
	start := time.Now()
	out = Conversion{Data: data, Ext: HEICExt}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("heic conversion panicked", zap.Any("panic", r), zap.Int("size", len(data)))
			out = Conversion{Data: data, Ext: HEICExt}
		}
		t.config.Metrics.ObserveTranscode(mode, time.Since(start), out.Converted)
	}()

	encoded, err := t.transcode(data)
	if err != nil {
		t.logger.Error("heic conversion failed, storing original",
			zap.Error(err),
			zap.Int("size", len(data)),
		)
		return out
	}

	t.logger.Debug("heic conversion complete",
		zap.String("mode", mode),
		zap.Int("input_size", len(data)),
		zap.Int("output_size", len(encoded)),
		zap.Duration("duration", time.Since(start)),
	)
	return Conversion{Data: encoded, Ext: t.OutputExt(), Converted: true}
}

func (t *Transcoder) transcode(data []byte) ([]byte, error) {
	img, err := t.config.Decoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("decode: empty image")
	}

	maxDim := t.config.MaxDimension
	if bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	rgb := toRGB(img)

	var buf bytes.Buffer
	if t.config.UsePNG {
		err = imaging.Encode(&buf, rgb, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed))
	} else {
		err = imaging.Encode(&buf, rgb, imaging.JPEG, imaging.JPEGQuality(t.config.Quality))
	}
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// toRGB composites img onto an opaque white canvas so every pixel ends up
// fully opaque regardless of the source colour model.
func toRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}
