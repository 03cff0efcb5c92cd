package volume

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"sdmkit/internal/nifti"
)

// Cluster summarises one labeled component.
type Cluster struct {
	Label     int32      `json:"label"`
	Voxels    int        `json:"voxels"`
	PeakIndex int        `json:"peak_index"`
	PeakVoxel [3]int     `json:"peak_voxel"`
	PeakValue float64    `json:"peak_value"`
	Peak      [3]int     `json:"peak"`     // world coordinate of the peak, rounded to mm
	Centroid  [3]float64 `json:"centroid"` // world coordinate of the voxel centroid
	Mean      float64    `json:"mean"`
}

// Summarise computes per-cluster statistics for labels 1..n over img's values.
// The peak is the voxel with the largest absolute value.
func Summarise(labels []int32, n int, img *nifti.Image) []Cluster {
	if n == 0 {
		return nil
	}
	aff := img.Affine()

	values := make([][]float64, n+1)
	sums := make([][3]float64, n+1)
	peaks := make([]int, n+1)
	for i := range peaks {
		peaks[i] = -1
	}

	for i, l := range labels {
		if l == 0 {
			continue
		}
		v := img.Data[i]
		values[l] = append(values[l], v)
		x, y, z := img.Coords(i)
		sums[l][0] += float64(x)
		sums[l][1] += float64(y)
		sums[l][2] += float64(z)
		if p := peaks[l]; p < 0 || math.Abs(v) > math.Abs(img.Data[p]) {
			peaks[l] = i
		}
	}

	out := make([]Cluster, 0, n)
	for l := 1; l <= n; l++ {
		vals := values[l]
		if len(vals) == 0 {
			continue
		}
		c := Cluster{
			Label:     int32(l),
			Voxels:    len(vals),
			PeakIndex: peaks[l],
			PeakValue: img.Data[peaks[l]],
			Mean:      stat.Mean(vals, nil),
		}
		x, y, z := img.Coords(peaks[l])
		c.PeakVoxel = [3]int{x, y, z}
		c.Peak = roundCoord(nifti.World(aff, img, peaks[l]))

		cnt := float64(len(vals))
		c.Centroid = nifti.WorldAt(aff, sums[l][0]/cnt, sums[l][1]/cnt, sums[l][2]/cnt)
		out = append(out, c)
	}
	return out
}

// BySize orders clusters largest first, ties by label.
func BySize(cs []Cluster) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Voxels != cs[j].Voxels {
			return cs[i].Voxels > cs[j].Voxels
		}
		return cs[i].Label < cs[j].Label
	})
}

// LabelImage labels the voxels of img selected by mask and returns a label
// volume on the same grid, ready to be written as int32.
func LabelImage(img *nifti.Image, mask []bool, conn Connectivity) (*nifti.Image, []Cluster) {
	labels, n := Label(mask, img.Dims, conn)
	out := nifti.New(img)
	for i, l := range labels {
		out.Data[i] = float64(l)
	}
	out.Header.SetIntent(nifti.IntentLabel, 0, 0, 0, "clusters")
	return out, Summarise(labels, n, img)
}

// Distance returns the Euclidean distance between two world coordinates.
func Distance(a, b [3]int) float64 {
	d := mat.NewVecDense(3, []float64{
		float64(a[0] - b[0]),
		float64(a[1] - b[1]),
		float64(a[2] - b[2]),
	})
	return mat.Norm(d, 2)
}

func roundCoord(w [3]float64) [3]int {
	return [3]int{int(math.Round(w[0])), int(math.Round(w[1])), int(math.Round(w[2]))}
}
