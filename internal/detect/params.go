package detect

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects how many engine runs a request expands into.
type Mode string

const (
	// ModeFast runs the engine once with default thresholds.
	ModeFast Mode = "fast"
	// ModePro runs the six-run threshold grid.
	ModePro Mode = "pro"
)

// DefaultWeights is the weights identifier used when none is configured.
const DefaultWeights = "yolov5x.pt"

// ParseMode parses a mode name. An empty string means ModeFast.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFast:
		return ModeFast, nil
	case ModePro:
		return ModePro, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, s)
	}
}

func (m Mode) String() string {
	return string(m)
}

// Params is the canonical parameter tuple of one logical request.
// For ModePro the thresholds are the base values; the grid is derived from the mode.
type Params struct {
	Mode       Mode
	Weights    string
	Confidence float64
	IoU        float64
	// Classes is a normalised, space separated list of class indices.
	// Empty means all classes.
	Classes string
}

// NewParams returns the base parameters for mode.
func NewParams(mode Mode, weights, classes string) Params {
	if weights == "" {
		weights = DefaultWeights
	}
	return Params{
		Mode:       mode,
		Weights:    weights,
		Confidence: DefaultConfidence,
		IoU:        DefaultIoU,
		Classes:    classes,
	}
}

// Canonical renders the labelled, fixed-order string that identifies p.
//
//	mode=fast|weights=yolov5x.pt|conf=0.5000|iou=0.4500|classes=ALL
func (p Params) Canonical() string {
	classes := p.Classes
	if classes == "" {
		classes = "ALL"
	}

	var b strings.Builder
	b.WriteString("mode=")
	b.WriteString(string(p.Mode))
	b.WriteString("|weights=")
	b.WriteString(p.Weights)
	b.WriteString("|conf=")
	b.WriteString(FormatThreshold(p.Confidence))
	b.WriteString("|iou=")
	b.WriteString(FormatThreshold(p.IoU))
	b.WriteString("|classes=")
	b.WriteString(classes)
	return b.String()
}

// FormatThreshold formats a threshold with four fixed decimals.
func FormatThreshold(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// NormalizeClasses validates a class filter such as "0 2 7" and collapses
// whitespace and commas. Empty input yields "" (all classes).
func NormalizeClasses(s string) (string, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: bad class index %q", ErrInvalidRequest, f)
		}
	}
	return strings.Join(fields, " "), nil
}
