// Package volume labels connected voxel clusters and summarises them.
package volume

import (
	"fmt"
)

// Connectivity selects which neighbours join a cluster.
type Connectivity int

const (
	Conn6  Connectivity = 6  // faces
	Conn18 Connectivity = 18 // faces and edges
	Conn26 Connectivity = 26 // full 3x3x3 structuring element
)

// ParseConnectivity validates n as a supported neighbourhood size.
func ParseConnectivity(n int) (Connectivity, error) {
	switch Connectivity(n) {
	case Conn6, Conn18, Conn26:
		return Connectivity(n), nil
	case 0:
		return Conn26, nil
	}
	return 0, fmt.Errorf("unsupported connectivity %d (want 6, 18 or 26)", n)
}

type offset struct{ dx, dy, dz int }

func (c Connectivity) offsets() []offset {
	var out []offset
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				manhattan := abs(dx) + abs(dy) + abs(dz)
				if manhattan == 0 {
					continue
				}
				switch c {
				case Conn6:
					if manhattan > 1 {
						continue
					}
				case Conn18:
					if manhattan > 2 {
						continue
					}
				}
				out = append(out, offset{dx, dy, dz})
			}
		}
	}
	return out
}

// Label assigns cluster ids 1..n to the connected components of mask with a
// depth-first flood fill. Ids follow scan order (x fastest) of each
// component's first voxel; 0 is background.
func Label(mask []bool, dims [3]int, conn Connectivity) ([]int32, int) {
	nx, ny, nz := dims[0], dims[1], dims[2]
	labels := make([]int32, len(mask))
	offs := conn.offsets()

	var next int32
	queue := make([]int, 0, 64)
	for start, on := range mask {
		if !on || labels[start] != 0 {
			continue
		}
		next++
		labels[start] = next
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]

			x := i % nx
			y := (i / nx) % ny
			z := i / (nx * ny)
			for _, o := range offs {
				xx, yy, zz := x+o.dx, y+o.dy, z+o.dz
				if xx < 0 || yy < 0 || zz < 0 || xx >= nx || yy >= ny || zz >= nz {
					continue
				}
				j := xx + nx*(yy+ny*zz)
				if mask[j] && labels[j] == 0 {
					labels[j] = next
					queue = append(queue, j)
				}
			}
		}
	}
	return labels, int(next)
}

// NonZero marks voxels whose value is not zero.
func NonZero(data []float64) []bool {
	return Where(data, func(v float64) bool { return v != 0 })
}

// Positive marks voxels above zero.
func Positive(data []float64) []bool {
	return Where(data, func(v float64) bool { return v > 0 })
}

// Negative marks voxels below zero.
func Negative(data []float64) []bool {
	return Where(data, func(v float64) bool { return v < 0 })
}

// Sign names selectable by SignMask.
const (
	SignBoth     = "both"
	SignPositive = "positive"
	SignNegative = "negative"
)

// SignMask marks the voxels of a signed map that take part in clustering:
// values above zero, below zero, or both ("" means both).
func SignMask(data []float64, sign string) ([]bool, error) {
	switch sign {
	case "", SignBoth:
		return NonZero(data), nil
	case SignPositive:
		return Positive(data), nil
	case SignNegative:
		return Negative(data), nil
	}
	return nil, fmt.Errorf("unknown sign %q (want positive, negative or both)", sign)
}

// Where marks voxels for which keep returns true.
func Where(data []float64, keep func(float64) bool) []bool {
	out := make([]bool, len(data))
	for i, v := range data {
		out[i] = keep(v)
	}
	return out
}

// LabelMask marks the voxels carrying label l.
func LabelMask(labels []int32, l int32) []bool {
	out := make([]bool, len(labels))
	for i, v := range labels {
		out[i] = v == l
	}
	return out
}

// PoolLabels returns the labels found under mask with their voxel counts.
func PoolLabels(labels []int32, mask []bool) map[int32]int {
	pooled := make(map[int32]int)
	for i, l := range labels {
		if l != 0 && mask[i] {
			pooled[l]++
		}
	}
	return pooled
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
