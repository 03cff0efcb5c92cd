package tasks

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"sdmkit/internal/fsutil"
	"sdmkit/internal/sdm"
	"sdmkit/internal/volume"
)

var thresholdedJackknifePage = regexp.MustCompile(`^.+JK.+_z_.+\.htm$`)

// IterationDiff is the peak difference between one jack-knife page and the baseline.
type IterationDiff struct {
	Page        string           `json:"page"`
	Coordinates []sdm.Coordinate `json:"coordinates"`
	New         []sdm.Coordinate `json:"new"`
	Missing     []sdm.Coordinate `json:"missing"`
	Shifts      []PeakShift      `json:"shifts,omitempty"`
}

// PeakShift pairs a new peak with the closest baseline peak, telling a
// displaced peak apart from a cluster the baseline never had.
type PeakShift struct {
	Peak     sdm.Coordinate `json:"peak"`
	Nearest  sdm.Coordinate `json:"nearest"`
	Distance float64        `json:"distance_mm"`
}

// CoordinateReport compares peaks of thresholded jack-knife pages with a baseline page.
type CoordinateReport struct {
	Baseline   []sdm.Coordinate `json:"baseline"`
	Iterations []IterationDiff  `json:"iterations"`
}

// CompareCoordinates reads the baseline page and every thresholded jack-knife
// page in dir, recording peaks each page adds and baseline peaks it lacks.
func CompareCoordinates(baseline, dir string) (CoordinateReport, error) {
	base, err := sdm.ParseCoordinatesFile(baseline)
	if err != nil {
		return CoordinateReport{}, err
	}
	pages, err := fsutil.ListMatching(dir, thresholdedJackknifePage)
	if err != nil {
		return CoordinateReport{}, err
	}

	report := CoordinateReport{Baseline: base}
	for _, p := range pages {
		coords, err := sdm.ParseCoordinatesFile(filepath.Join(dir, p))
		if err != nil {
			return report, err
		}
		added := difference(coords, base)
		report.Iterations = append(report.Iterations, IterationDiff{
			Page:        p,
			Coordinates: coords,
			New:         added,
			Missing:     difference(base, coords),
			Shifts:      nearestShifts(added, base),
		})
	}
	return report, nil
}

// difference returns the coordinates of a not present in b, in a's order.
func difference(a, b []sdm.Coordinate) []sdm.Coordinate {
	in := make(map[sdm.Coordinate]bool, len(b))
	for _, c := range b {
		in[c] = true
	}
	var out []sdm.Coordinate
	for _, c := range a {
		if !in[c] {
			out = append(out, c)
		}
	}
	return out
}

func nearestShifts(peaks, base []sdm.Coordinate) []PeakShift {
	if len(base) == 0 {
		return nil
	}
	out := make([]PeakShift, 0, len(peaks))
	for _, p := range peaks {
		s := PeakShift{Peak: p, Distance: math.Inf(1)}
		for _, b := range base {
			if d := volume.Distance(p.Array(), b.Array()); d < s.Distance {
				s.Nearest, s.Distance = b, d
			}
		}
		out = append(out, s)
	}
	return out
}

// WriteCoordinateReport writes the report as plain text, one block per page.
func WriteCoordinateReport(w io.Writer, r CoordinateReport) error {
	var b strings.Builder
	for _, it := range r.Iterations {
		fmt.Fprintf(&b, "Original coordinates = %s\n", coordList(r.Baseline))
		fmt.Fprintf(&b, "%s - coordinates = %s\n", it.Page, coordList(it.Coordinates))
		for _, c := range it.New {
			fmt.Fprintf(&b, "%s = new cluster\n", c)
		}
		for _, c := range it.Missing {
			fmt.Fprintf(&b, "%s missing from this iteration\n", c)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func coordList(cs []sdm.Coordinate) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = "'" + c.String() + "'"
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
