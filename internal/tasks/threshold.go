package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"sdmkit/internal/fsutil"
	"sdmkit/internal/nifti"
	"sdmkit/internal/sdm"
)

var jackknifePage = regexp.MustCompile(`^.+JK.+_z\.htm$`)

// JackknifeResults lists the unthresholded jack-knife results in dir by base
// name, leaving out heterogeneity (QH) maps.
func JackknifeResults(dir string) ([]string, error) {
	names, err := fsutil.ListMatching(dir, jackknifePage)
	if err != nil {
		return nil, err
	}
	var results []string
	for _, name := range names {
		if strings.HasSuffix(name, "QH_z.htm") {
			continue
		}
		results = append(results, strings.TrimSuffix(name, sdm.HTMLExt))
	}
	return results, nil
}

// ThresholdJackknife thresholds every jack-knife result found in dir.
func ThresholdJackknife(ctx context.Context, run sdm.Executor, dir string, t sdm.Threshold) ([]string, error) {
	results, err := JackknifeResults(dir)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no jack-knife results in %s", ErrNoResults, dir)
	}
	for _, r := range results {
		if err := run.Run(ctx, sdm.ThresholdCommand(r, t)); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// ThresholdedPath names the output of ThresholdImage:
// map.nii.gz thresholded at 0.005 becomes map_0.005.nii.gz.
func ThresholdedPath(path string, threshold float64) string {
	suffix := "_" + strconv.FormatFloat(threshold, 'f', -1, 64)
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext) + suffix + ext
		}
	}
	return path + suffix + ".nii.gz"
}

// ThresholdImage zeroes every voxel of a 1-p map below 1-threshold and
// writes the result next to the input.
func ThresholdImage(path string, threshold float64) (string, error) {
	if threshold <= 0 || threshold >= 1 {
		return "", fmt.Errorf("threshold %v outside (0, 1)", threshold)
	}
	img, err := nifti.Read(path)
	if err != nil {
		return "", err
	}

	cut := 1 - threshold
	kept := 0
	for i, v := range img.Data {
		if v < cut {
			img.Data[i] = 0
		} else {
			kept++
		}
	}

	out := ThresholdedPath(path, threshold)
	if err := nifti.Write(out, img, nifti.DTFloat32); err != nil {
		return "", err
	}
	slog.Info("thresholded image", "input", path, "threshold", threshold, "output", out, "voxels_kept", kept)
	return out, nil
}
