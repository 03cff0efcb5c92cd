package sdm

import (
	"fmt"
	"strconv"
	"strings"
)

// Threshold holds SDM's "p, <p>, <peak>, <extent>" threshold arguments.
type Threshold struct {
	P      float64
	Peak   float64
	Extent int
}

// Default thresholds used for mean/jack-knife and meta-regression results.
var (
	DefaultThreshold        = Threshold{P: 0.005, Peak: 1, Extent: 10}
	DefaultMetaRegThreshold = Threshold{P: 0.0005, Peak: 1, Extent: 10}
)

// Preprocessing mirrors the arguments of SDM's "pp" command.
type Preprocessing struct {
	Template   string
	Anisotropy float64
	FWHM       int
	Mask       string
	VoxelSize  int
}

// Preprocess builds "pp <template>, <anisotropy>, <fwhm>, <mask>, <voxel size>".
func Preprocess(p Preprocessing) string {
	return fmt.Sprintf("pp %s, %s, %d, %s, %d", p.Template, decimal(p.Anisotropy), p.FWHM, p.Mask, p.VoxelSize)
}

// Mean builds "<name> = mean [filter]".
func Mean(name, filter string) string {
	return strings.TrimSpace(fmt.Sprintf("%s = mean %s", name, filter))
}

// LinearModel builds "<name> = lm <column>[, filter]".
func LinearModel(name, column, filter string) string {
	if filter == "" {
		return fmt.Sprintf("%s = lm %s", name, column)
	}
	return fmt.Sprintf("%s = lm %s, %s", name, column, filter)
}

// ThresholdCommand builds "threshold <result>, p, <p>, <peak>, <extent>".
func ThresholdCommand(result string, t Threshold) string {
	return fmt.Sprintf("threshold %s, p, %s, %s, %d", result, shortest(t.P), shortest(t.Peak), t.Extent)
}

// MaskCoordinate builds "<name> = mask coordinate, x, y, z".
func MaskCoordinate(name string, c Coordinate) string {
	return fmt.Sprintf("%s = mask coordinate, %d, %d, %d", name, c.X, c.Y, c.Z)
}

// Extract builds "extract <name>".
func Extract(name string) string {
	return "extract " + name
}

// ThresholdedName returns the base name SDM gives a thresholded result,
// e.g. "study_mean_z" -> "study_mean_z_p_0.00500_1.000_10".
func ThresholdedName(result string, t Threshold) string {
	return fmt.Sprintf("%s_p_%.5f_%.3f_%d", result, t.P, t.Peak, t.Extent)
}

// Result file suffixes written by SDM.
const (
	HTMLExt     = ".htm"
	NiftiExt    = ".nii.gz"
	NegativeTag = "_neg"
)

// ResultFiles lists the pages and volumes of one thresholded result.
type ResultFiles struct {
	HTML     string
	Positive string
	Negative string
}

// Files returns the file names SDM writes for a thresholded result.
func Files(result string, t Threshold) ResultFiles {
	base := ThresholdedName(result, t)
	return ResultFiles{
		HTML:     base + HTMLExt,
		Positive: base + NiftiExt,
		Negative: base + NegativeTag + NiftiExt,
	}
}

// MeanResult, HeterogeneityResult and MetaRegResult name SDM's z maps.
func MeanResult(analysis string) string          { return analysis + "_mean_z" }
func HeterogeneityResult(analysis string) string { return analysis + "_mean_QH_z" }
func MetaRegResult(name string) string           { return name + "_1m0_z" }

func shortest(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func decimal(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return shortest(v)
}
