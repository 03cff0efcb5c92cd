package tasks

import (
	"log/slog"
	"strings"

	"sdmkit/internal/nifti"
	"sdmkit/internal/volume"
)

// LabelResult is the output of LabelImage.
type LabelResult struct {
	Output   string           `json:"output"`
	Clusters []volume.Cluster `json:"clusters"`
}

// LabeledPath names the label volume written for path.
func LabeledPath(path string) string {
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext) + "_labels" + ext
		}
	}
	return path + "_labels.nii.gz"
}

// LabelImage labels the clusters of a thresholded volume, writes the label
// volume to out (or next to the input) and returns the clusters largest first.
// sign picks the positive or negative side of a single-file signed map; empty
// labels every non-zero voxel.
func LabelImage(path, out, sign string, conn volume.Connectivity) (LabelResult, error) {
	if conn == 0 {
		conn = volume.Conn26
	}
	img, err := nifti.Read(path)
	if err != nil {
		return LabelResult{}, err
	}
	mask, err := volume.SignMask(img.Data, sign)
	if err != nil {
		return LabelResult{}, err
	}
	labels, clusters := volume.LabelImage(img, mask, conn)
	if out == "" {
		out = LabeledPath(path)
	}
	if err := nifti.Write(out, labels, nifti.DTInt32); err != nil {
		return LabelResult{}, err
	}
	volume.BySize(clusters)
	slog.Info("labeled volume", "input", path, "output", out, "sign", sign, "clusters", len(clusters))
	return LabelResult{Output: out, Clusters: clusters}, nil
}
