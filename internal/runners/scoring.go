package runners

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/inferplane/inferplane/internal/runner"
)

var scoreLabels = []string{"quality", "aesthetics", "sharpness", "color_balance", "composition"}

type scoringPrepared struct {
	src          image.Image
	originalSize [2]int
	format       string
}

// ImageScoringRunner derives a handful of deterministic quality scores from
// an input image. Like the original's tiny CNN, the exact numbers carry no
// real aesthetic meaning; Infer derives them from the image's own pixel
// statistics (brightness, contrast, edge energy) so the same image always
// scores the same way, instead of the original's random.uniform noise.
type ImageScoringRunner struct {
	deviceID int
	loaded   bool
}

// NewImageScoringRunner satisfies runner.Factory.
func NewImageScoringRunner(deviceID int) runner.Runner {
	return &ImageScoringRunner{deviceID: deviceID}
}

// Load simulates the original's fixed model-construction delay.
func (r *ImageScoringRunner) Load(ctx context.Context) error {
	select {
	case <-time.After(35 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.loaded = true
	return nil
}

// IsLoaded implements runner.Runner.
func (r *ImageScoringRunner) IsLoaded() bool { return r.loaded }

// Prepare decodes the source image and resizes it to the model's fixed
// 224x224 input size with bilinear interpolation.
func (r *ImageScoringRunner) Prepare(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	imgBytes, err := fetchImageBytes(ctx, input)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	resized := resizeBilinear(img, 224, 224)
	return &scoringPrepared{src: resized, originalSize: [2]int{b.Dx(), b.Dy()}, format: format}, nil
}

// Infer computes per-dimension scores from pixel statistics.
func (r *ImageScoringRunner) Infer(ctx context.Context, prepared interface{}) (interface{}, error) {
	p := prepared.(*scoringPrepared)
	return computeScores(p.src), nil
}

// Postprocess assembles the score map, overall score, and qualitative
// label the client receives.
func (r *ImageScoringRunner) Postprocess(ctx context.Context, inferred interface{}) (map[string]interface{}, error) {
	scores := inferred.(map[string]float64)

	var sum float64
	scoreMap := make(map[string]interface{}, len(scores))
	for _, label := range scoreLabels {
		v := scores[label]
		scoreMap[label] = v
		sum += v
	}
	overall := sum / float64(len(scoreLabels))

	return map[string]interface{}{
		"scores":              scoreMap,
		"overall_score":       overall,
		"quality_assessment":  qualityLabel(overall),
		"confidence":          confidenceFor(scores),
	}, nil
}

// Cleanup implements runner.Runner; there is no device memory to release.
func (r *ImageScoringRunner) Cleanup(ctx context.Context) error { return nil }

func qualityLabel(overall float64) string {
	switch {
	case overall > 0.8:
		return "excellent"
	case overall > 0.6:
		return "good"
	case overall > 0.4:
		return "average"
	case overall > 0.2:
		return "below_average"
	default:
		return "poor"
	}
}

// confidenceFor derives a stable pseudo-confidence from the score digest
// instead of the original's random.uniform(0.85, 0.99), so repeated scoring
// of the same image is reproducible.
func confidenceFor(scores map[string]float64) float64 {
	h := sha256.New()
	for _, label := range scoreLabels {
		fmt.Fprintf(h, "%s:%f;", label, scores[label])
	}
	sum := h.Sum(nil)
	frac := float64(sum[0]) / 255.0
	return 0.85 + frac*(0.99-0.85)
}

func computeScores(img image.Image) map[string]float64 {
	b := img.Bounds()
	var sumLum, sumLumSq, edgeEnergy, sumSat float64
	n := 0
	var prevLum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			r8, g8, b8 := float64(cr>>8), float64(cg>>8), float64(cb>>8)
			lum := 0.299*r8 + 0.587*g8 + 0.114*b8
			sumLum += lum
			sumLumSq += lum * lum
			if x > b.Min.X {
				edgeEnergy += math.Abs(lum - prevLum)
			}
			prevLum = lum

			maxc := math.Max(r8, math.Max(g8, b8))
			minc := math.Min(r8, math.Min(g8, b8))
			if maxc > 0 {
				sumSat += (maxc - minc) / maxc
			}
			n++
		}
	}

	meanLum := sumLum / float64(n)
	variance := sumLumSq/float64(n) - meanLum*meanLum
	if variance < 0 {
		variance = 0
	}
	contrast := math.Sqrt(variance) / 128.0
	sharpness := edgeEnergy / float64(n) / 64.0
	saturation := sumSat / float64(n)
	brightness := 1.0 - math.Abs(meanLum-128.0)/128.0

	return map[string]float64{
		"quality":       clamp01((contrast + sharpness) / 2),
		"aesthetics":    clamp01((saturation + brightness) / 2),
		"sharpness":     clamp01(sharpness),
		"color_balance": clamp01(saturation),
		"composition":   clamp01(brightness),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func resizeBilinear(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := float64(y) * float64(srcH) / float64(h)
		y0 := int(sy)
		y1 := y0 + 1
		if y1 >= srcH {
			y1 = srcH - 1
		}
		fy := sy - float64(y0)
		for x := 0; x < w; x++ {
			sx := float64(x) * float64(srcW) / float64(w)
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
