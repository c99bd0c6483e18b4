package runners

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/inferplane/inferplane/internal/runner"
)

// superResPrepared is the output of SuperResolutionRunner.Prepare.
type superResPrepared struct {
	src image.Image
}

// SuperResolutionRunner upsamples an input image by a fixed scale factor.
// The original Python runner built a tiny CNN + bilinear upsample; since
// numeric model internals are out of scope here, Infer performs the same
// deterministic bilinear upsample directly rather than loading real
// weights, keeping the four-phase contract and timing behavior identical.
type SuperResolutionRunner struct {
	deviceID int
	loaded   bool
	scale    int
}

// NewSuperResolutionRunner satisfies runner.Factory.
func NewSuperResolutionRunner(deviceID int) runner.Runner {
	return &SuperResolutionRunner{deviceID: deviceID, scale: 4}
}

// Load simulates the original's fixed model-construction delay.
func (r *SuperResolutionRunner) Load(ctx context.Context) error {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.loaded = true
	return nil
}

// IsLoaded implements runner.Runner.
func (r *SuperResolutionRunner) IsLoaded() bool { return r.loaded }

// Prepare decodes the source image from a URL or base64 payload, mirroring
// the original's image_url/image_base64 input contract.
func (r *SuperResolutionRunner) Prepare(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	imgBytes, err := fetchImageBytes(ctx, input)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &superResPrepared{src: img}, nil
}

// Infer runs the bilinear upsample.
func (r *SuperResolutionRunner) Infer(ctx context.Context, prepared interface{}) (interface{}, error) {
	p := prepared.(*superResPrepared)
	return upsampleBilinear(p.src, r.scale), nil
}

// Postprocess encodes the upsampled image as PNG and reports the new size.
func (r *SuperResolutionRunner) Postprocess(ctx context.Context, inferred interface{}) (map[string]interface{}, error) {
	out := inferred.(image.Image)
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	b := out.Bounds()
	return map[string]interface{}{
		"image_bytes":   buf.Bytes(),
		"size":          []int{b.Dx(), b.Dy()},
		"format":        "PNG",
		"scale_factor":  r.scale,
	}, nil
}

// Cleanup implements runner.Runner; there is no device memory to release.
func (r *SuperResolutionRunner) Cleanup(ctx context.Context) error { return nil }

func fetchImageBytes(ctx context.Context, input map[string]interface{}) ([]byte, error) {
	if u, ok := input["image_url"].(string); ok && u != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch image_url: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch image_url: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	if b64, ok := input["image_base64"].(string); ok && b64 != "" {
		return base64.StdEncoding.DecodeString(b64)
	}
	return nil, fmt.Errorf("either image_url or image_base64 must be provided")
}

// upsampleBilinear scales img up by factor using bilinear interpolation.
func upsampleBilinear(img image.Image, factor int) image.Image {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	dstW, dstH := srcW*factor, srcH*factor
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))

	for y := 0; y < dstH; y++ {
		sy := float64(y) / float64(factor)
		y0 := int(sy)
		y1 := y0 + 1
		if y1 >= srcH {
			y1 = srcH - 1
		}
		fy := sy - float64(y0)

		for x := 0; x < dstW; x++ {
			sx := float64(x) / float64(factor)
			x0 := int(sx)
			x1 := x0 + 1
			if x1 >= srcW {
				x1 = srcW - 1
			}
			fx := sx - float64(x0)

			c00 := img.At(b.Min.X+x0, b.Min.Y+y0)
			c10 := img.At(b.Min.X+x1, b.Min.Y+y0)
			c01 := img.At(b.Min.X+x0, b.Min.Y+y1)
			c11 := img.At(b.Min.X+x1, b.Min.Y+y1)

			dst.Set(x, y, bilerp(c00, c10, c01, c11, fx, fy))
		}
	}
	return dst
}

func bilerp(c00, c10, c01, c11 color.Color, fx, fy float64) color.Color {
	r00, g00, b00, a00 := c00.RGBA()
	r10, g10, b10, a10 := c10.RGBA()
	r01, g01, b01, a01 := c01.RGBA()
	r11, g11, b11, a11 := c11.RGBA()

	lerp := func(a, b, t float64) float64 { return a + (b-a)*t }
	mix := func(v00, v10, v01, v11 uint32) uint8 {
		top := lerp(float64(v00), float64(v10), fx)
		bot := lerp(float64(v01), float64(v11), fx)
		return uint8(lerp(top, bot, fy) / 257)
	}

	return color.RGBA{
		R: mix(r00, r10, r01, r11),
		G: mix(g00, g10, g01, g11),
		B: mix(b00, b10, b01, b11),
		A: mix(a00, a10, a01, a11),
	}
}
