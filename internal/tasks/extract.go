package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"sdmkit/internal/sdm"
)

// PeakExtraction lists the peaks read from a results page and the SDM
// masks created for them, in page order.
type PeakExtraction struct {
	Page        string           `json:"page"`
	Coordinates []sdm.Coordinate `json:"coordinates"`
	Masks       []string         `json:"masks"`
}

// MaskName returns the name of the i-th (1-based) peak mask.
func MaskName(prefix string, i int) string {
	return fmt.Sprintf("%s_coords_%d", prefix, i)
}

// ExtractPeaks reads the cluster peaks of an SDM results page and, for each
// one, asks SDM to create a coordinate mask and extract study values from it.
// Masks are numbered in page order: prefix_coords_1, prefix_coords_2, ...
func ExtractPeaks(ctx context.Context, run sdm.Executor, page, prefix string) (PeakExtraction, error) {
	coords, err := sdm.ParseCoordinatesFile(page)
	if err != nil {
		return PeakExtraction{}, err
	}
	res := PeakExtraction{Page: page, Coordinates: coords}
	if len(coords) == 0 {
		slog.Warn("no cluster peaks found", "page", page)
		return res, nil
	}

	for i, c := range coords {
		name := MaskName(prefix, i+1)
		slog.Info("extracting peak", "mask", name, "coordinate", c.String())
		if err := run.Run(ctx, sdm.MaskCoordinate(name, c)); err != nil {
			return res, fmt.Errorf("mask %s: %w", name, err)
		}
		if err := run.Run(ctx, sdm.Extract(name)); err != nil {
			return res, fmt.Errorf("extract %s: %w", name, err)
		}
		res.Masks = append(res.Masks, name)
	}
	return res, nil
}
