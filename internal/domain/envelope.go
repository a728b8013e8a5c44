package domain

import (
	"fmt"
	"regexp"
)

// FeatureEnvelope is the provider-independent container for extracted
// visual features. It is transient: built by the extract step, consumed
// by scoring, never persisted.
type FeatureEnvelope struct {
	OCR          []OCRBlock  `json:"ocr"`
	Borders      Borders     `json:"borders"`
	HoloVariance float64     `json:"holoVariance"`
	FontMetrics  FontMetrics `json:"fontMetrics"`
	Quality      Quality     `json:"quality"`
	ImageMeta    ImageMeta   `json:"imageMeta"`
	FrontHash    string      `json:"frontHash"`
	BackHash     *string     `json:"backHash,omitempty"`
}

// OCRBlock is one recognized text region.
type OCRBlock struct {
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

// BoundingBox is in pixel coordinates of the source image.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Borders holds measured border widths in pixels plus a symmetry score.
type Borders struct {
	Top      float64 `json:"top"`
	Bottom   float64 `json:"bottom"`
	Left     float64 `json:"left"`
	Right    float64 `json:"right"`
	Symmetry float64 `json:"symmetry"`
}

// FontMetrics describes typographic regularity of the detected text.
type FontMetrics struct {
	Kerning          []float64 `json:"kerning"`
	Alignment        float64   `json:"alignment"`
	FontSizeVariance float64   `json:"fontSizeVariance"`
}

// Quality carries capture-quality measurements.
type Quality struct {
	Blur  float64 `json:"blur"`
	Glare float64 `json:"glare"`
}

// ImageMeta records the source image dimensions.
type ImageMeta struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var hexHashRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Validate enforces the envelope invariants before it crosses a step
// boundary.
func (e *FeatureEnvelope) Validate() error {
	if !hexHashRe.MatchString(e.FrontHash) {
		return fmt.Errorf("%w: frontHash %q is not a 16-hex perceptual hash", ErrValidation, e.FrontHash)
	}
	if e.BackHash != nil && !hexHashRe.MatchString(*e.BackHash) {
		return fmt.Errorf("%w: backHash %q is not a 16-hex perceptual hash", ErrValidation, *e.BackHash)
	}
	if e.HoloVariance < 0 || e.HoloVariance > 1 {
		return fmt.Errorf("%w: holoVariance %.4f outside [0,1]", ErrValidation, e.HoloVariance)
	}
	if e.Borders.Symmetry < 0 || e.Borders.Symmetry > 1 {
		return fmt.Errorf("%w: border symmetry %.4f outside [0,1]", ErrValidation, e.Borders.Symmetry)
	}
	if e.FontMetrics.Alignment < 0 || e.FontMetrics.Alignment > 1 {
		return fmt.Errorf("%w: font alignment %.4f outside [0,1]", ErrValidation, e.FontMetrics.Alignment)
	}
	if e.ImageMeta.Width <= 0 || e.ImageMeta.Height <= 0 {
		return fmt.Errorf("%w: image dimensions %dx%d", ErrValidation, e.ImageMeta.Width, e.ImageMeta.Height)
	}
	for i, b := range e.OCR {
		if b.Confidence < 0 || b.Confidence > 1 {
			return fmt.Errorf("%w: ocr[%d] confidence %.4f outside [0,1]", ErrValidation, i, b.Confidence)
		}
	}
	return nil
}
