package detect

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
)

// Default thresholds for a single run.
const (
	DefaultConfidence = 0.5
	DefaultIoU        = 0.45

	// GridFixedConfidence is held while the IoU sweep runs.
	GridFixedConfidence = 0.25
)

var gridThresholds = [...]float64{0.01, 0.5, 0.99}

// MaxRunsPerRequest is the number of engine runs in the largest grid.
const MaxRunsPerRequest = 2 * len(gridThresholds)

// RunSpec describes one engine invocation. It is a value: bind directories
// with WithDirs, which returns a copy.
type RunSpec struct {
	Name       string
	Label      string
	Weights    string
	Confidence float64
	IoU        float64
	Classes    string

	// Source is the directory holding the input image.
	Source string
	// OutputRoot is where the engine creates <Name>/<image>.
	OutputRoot string
}

// WithDirs returns a copy of s bound to a source and output directory.
func (s RunSpec) WithDirs(source, outputRoot string) RunSpec {
	s.Source = source
	s.OutputRoot = outputRoot
	return s
}

// OutputDir is the directory the engine writes this run's images into.
func (s RunSpec) OutputDir() string {
	return filepath.Join(s.OutputRoot, s.Name)
}

// Artifact is one annotated image with the label of the run that produced it.
type Artifact struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

// BuildRunSpecs expands p into the ordered runs for its mode. Every run
// carries the class filter. Directories are left unbound.
func BuildRunSpecs(p Params) []RunSpec {
	weights := p.Weights
	if weights == "" {
		weights = DefaultWeights
	}

	if p.Mode != ModePro {
		return []RunSpec{{
			Name:       "fast",
			Label:      fmt.Sprintf("conf = %s, IoU = %s", trimFloat(p.Confidence), trimFloat(p.IoU)),
			Weights:    weights,
			Confidence: p.Confidence,
			IoU:        p.IoU,
			Classes:    p.Classes,
		}}
	}

	specs := make([]RunSpec, 0, 2*len(gridThresholds))
	for _, c := range gridThresholds {
		specs = append(specs, RunSpec{
			Name:       "conf_" + percentTag(c),
			Label:      "conf = " + trimFloat(c),
			Weights:    weights,
			Confidence: c,
			IoU:        p.IoU,
			Classes:    p.Classes,
		})
	}
	for _, i := range gridThresholds {
		specs = append(specs, RunSpec{
			Name:       "iou_" + percentTag(i),
			Label:      "IoU = " + trimFloat(i),
			Weights:    weights,
			Confidence: GridFixedConfidence,
			IoU:        i,
			Classes:    p.Classes,
		})
	}
	return specs
}

// percentTag renders 0.05 as "005".
func percentTag(v float64) string {
	return fmt.Sprintf("%03d", int(math.Round(v*100)))
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
