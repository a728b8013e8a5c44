// Package signals derives explainable authenticity sub-scores from a
// feature envelope and authentic reference hashes.
package signals

import (
	"math"
	"strings"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/domain/phash"
)

// Expected carries the owner-declared attributes the scores are checked
// against. A nil Expected scores the card without identification hints.
type Expected struct {
	Name string
	Holo bool
}

// watermarks is the fixed print-pattern vocabulary checked against the
// concatenated OCR text.
var watermarks = []string{"hp", "©", "illus.", "weakness"}

// neutralVisual is emitted when no authentic references exist for the
// card, so an unknown card is neither rewarded nor punished.
const neutralVisual = 0.5

// Compute turns an envelope plus optional reference hashes and expected
// attributes into the five authenticity sub-scores, each within [0,1].
func Compute(env *domain.FeatureEnvelope, refHashes []string, exp *Expected) domain.AuthenticitySignals {
	return domain.AuthenticitySignals{
		VisualHashConfidence:  visualHash(env.FrontHash, refHashes),
		TextMatchConfidence:   textMatch(env.OCR, exp),
		HoloPatternConfidence: holoPattern(env.HoloVariance, exp != nil && exp.Holo),
		BorderConsistency:     borderConsistency(env.Borders, env.ImageMeta),
		FontValidation:        fontValidation(env.FontMetrics),
	}
}

// Overall is the weighted blend used when the reasoning provider is
// unavailable and as the numeric context handed to it.
func Overall(s domain.AuthenticitySignals) float64 {
	return clamp(0.30*s.VisualHashConfidence +
		0.25*s.TextMatchConfidence +
		0.20*s.HoloPatternConfidence +
		0.15*s.BorderConsistency +
		0.10*s.FontValidation)
}

func visualHash(frontHash string, refs []string) float64 {
	if len(refs) == 0 {
		return neutralVisual
	}
	best := 0.0
	matched := false
	for _, ref := range refs {
		dist, err := phash.HammingDistance(frontHash, ref)
		if err != nil {
			continue
		}
		matched = true
		if s := phash.Similarity(dist, phash.HashBits); s > best {
			best = s
		}
	}
	if !matched {
		return neutralVisual
	}
	return clamp(best)
}

func textMatch(ocr []domain.OCRBlock, exp *Expected) float64 {
	var sb strings.Builder
	confSum := 0.0
	for _, b := range ocr {
		sb.WriteString(b.Text)
		sb.WriteString(" ")
		confSum += b.Confidence
	}
	text := strings.ToLower(sb.String())

	patterns := watermarks
	if exp != nil && exp.Name != "" {
		patterns = append(append([]string{}, watermarks...), domain.NormalizeCardName(exp.Name))
	}

	found := 0
	for _, p := range patterns {
		if strings.Contains(text, p) {
			found++
		}
	}
	p := float64(found) / float64(len(patterns))

	c := 0.0
	if len(ocr) > 0 {
		c = confSum / float64(len(ocr))
	}
	return clamp(0.7*p + 0.3*c)
}

func holoPattern(variance float64, expectHolo bool) float64 {
	if !expectHolo {
		switch {
		case variance < 0.2:
			return 1.0
		case variance < 0.4:
			return 0.7
		default:
			return 0.3
		}
	}

	// Genuine holofoil sits in a characteristic variance band around
	// 0.6; too-flat or too-noisy surfaces both read as suspect.
	switch {
	case variance < 0.3:
		return clamp(0.3 + (variance/0.3)*0.2)
	case variance > 0.9:
		return clamp(math.Max(0.2, 0.5-(variance-0.9)))
	default:
		score := 1 - math.Abs(variance-0.6)/0.3
		if score < 0.5 {
			score = 0.5
		}
		return clamp(score)
	}
}

// borderRatioTarget is the border-to-image proportion a factory cut
// centers on; ratioConfidence decays outside targetTolerance of it.
const (
	borderRatioTarget    = 0.15
	borderRatioTolerance = 0.10
	borderRatioFalloff   = 0.20
)

func borderConsistency(b domain.Borders, meta domain.ImageMeta) float64 {
	if meta.Width <= 0 || meta.Height <= 0 {
		return 0
	}
	ratios := []float64{
		b.Top / float64(meta.Height),
		b.Bottom / float64(meta.Height),
		b.Left / float64(meta.Width),
		b.Right / float64(meta.Width),
	}

	variancePart := clamp(1 - 10*variance(ratios))

	dev := math.Abs(mean(ratios) - borderRatioTarget)
	ratioConfidence := 1.0
	if dev > borderRatioTolerance {
		ratioConfidence = clamp(1 - (dev-borderRatioTolerance)/borderRatioFalloff)
	}

	return clamp(0.4*b.Symmetry + 0.3*variancePart + 0.3*ratioConfidence)
}

func fontValidation(fm domain.FontMetrics) float64 {
	kerningPart := clamp(1 - variance(fm.Kerning)/0.05)
	sizePart := clamp(1 - fm.FontSizeVariance/50)
	return clamp(0.4*clamp(fm.Alignment) + 0.3*kerningPart + 0.3*sizePart)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
