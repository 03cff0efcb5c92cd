package tasks

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"sdmkit/internal/nifti"
)

// CombineRequest describes a subgroup combination run.
type CombineRequest struct {
	StudiesCSV string
	MapsDir    string
	OutputDir  string
	MapPrefix  string // defaults to "pp_"
	Suffix     string // appended to output names before the extension
}

// SubgroupStudy is one row of the studies CSV.
type SubgroupStudy struct {
	Study    string
	Groups   []string
	N        []float64
	ControlN float64
}

// Total returns the pooled patient count.
func (s SubgroupStudy) Total() float64 {
	return floats.Sum(s.N)
}

// CombinedMap records one written t map.
type CombinedMap struct {
	Study  string   `json:"study"`
	Groups []string `json:"groups"`
	N      float64  `json:"n"`
	DF     float64  `json:"df"`
	Output string   `json:"output"`
}

// ReadSubgroupStudies parses the studies CSV. It needs columns group_a,
// group_b, na, nb and c_n; group_c and nc are optional, and group c is used
// only when nc > 0.
func ReadSubgroupStudies(path string) ([]SubgroupStudy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read %s: empty file", path)
	}
	col := map[string]int{}
	for i, h := range records[0] {
		col[strings.TrimSpace(h)] = i
	}
	for _, need := range []string{"group_a", "group_b", "na", "nb", "c_n"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("read %s: missing column %s", path, need)
		}
	}
	cell := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	num := func(rec []string, name string, row int) (float64, error) {
		s := cell(rec, name)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("row %d column %s: %w", row, name, err)
		}
		return v, nil
	}

	var out []SubgroupStudy
	for i, rec := range records[1:] {
		row := i + 1
		s := SubgroupStudy{Study: cell(rec, "study")}
		if s.Study == "" {
			s.Study = strconv.Itoa(row)
		}
		for _, g := range []struct{ group, n string }{{"group_a", "na"}, {"group_b", "nb"}, {"group_c", "nc"}} {
			n, err := num(rec, g.n, row)
			if err != nil {
				return nil, err
			}
			if g.group == "group_c" && n <= 0 {
				continue
			}
			s.Groups = append(s.Groups, cell(rec, g.group))
			s.N = append(s.N, n)
		}
		if s.ControlN, err = num(rec, "c_n", row); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// TFactor converts a standardised mean difference between n1 patients and
// n2 controls into a t statistic: t = d * TFactor(n1, n2).
func TFactor(n1, n2 float64) float64 {
	n := n1 + n2
	a, _ := math.Lgamma((n - 3) / 2)
	b, _ := math.Lgamma((n - 2) / 2)
	return math.Exp(a-b) * math.Sqrt((n-2)*n1*n2/(2*n))
}

var (
	leadingDigitsAndNext = regexp.MustCompile(`\d+.`)
	leadingDigits        = regexp.MustCompile(`\d+`)
)

// CombinedName names the combined map of a study after its first group,
// dropping the character that follows the first run of digits:
// "Smith2010a_mdd" becomes "combined_t_Smith2010_mdd.nii.gz".
func CombinedName(groupA, suffix string) string {
	name := groupA
	if m := leadingDigitsAndNext.FindString(name); m != "" {
		name = strings.ReplaceAll(name, m, leadingDigits.FindString(m))
	}
	return "combined_t_" + name + suffix + ".nii.gz"
}

// CombineSubgroups pools each study's per-group effect-size maps into one
// patient-weighted map and writes it as a t map.
func CombineSubgroups(ctx context.Context, req CombineRequest) ([]CombinedMap, error) {
	if req.MapPrefix == "" {
		req.MapPrefix = "pp_"
	}
	if req.OutputDir == "" {
		req.OutputDir = req.MapsDir
	}
	studies, err := ReadSubgroupStudies(req.StudiesCSV)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}

	var out []CombinedMap
	for i, s := range studies {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		slog.Info("combining study", "index", i+1, "of", len(studies), "groups", s.Groups, "n", s.N)
		m, err := combineStudy(req, s)
		if err != nil {
			return out, fmt.Errorf("study %s: %w", s.Study, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func combineStudy(req CombineRequest, s SubgroupStudy) (CombinedMap, error) {
	n := s.Total()
	if n+s.ControlN <= 3 || n <= 0 {
		return CombinedMap{}, fmt.Errorf("too few subjects: %v patients, %v controls", n, s.ControlN)
	}

	var combined *nifti.Image
	for gi, g := range s.Groups {
		img, err := nifti.Read(filepath.Join(req.MapsDir, req.MapPrefix+g+".nii.gz"))
		if err != nil {
			return CombinedMap{}, err
		}
		if combined == nil {
			combined = nifti.New(img)
		} else if err := nifti.CheckGrid(combined, img); err != nil {
			return CombinedMap{}, fmt.Errorf("group %s: %w", g, err)
		}
		floats.AddScaled(combined.Data, s.N[gi]/n, img.Data)
	}
	floats.Scale(TFactor(n, s.ControlN), combined.Data)

	df := n - 2
	combined.Header.SetIntent(nifti.IntentTTest, df, 0, 0, "t test")
	path := filepath.Join(req.OutputDir, CombinedName(s.Groups[0], req.Suffix))
	if err := nifti.Write(path, combined, nifti.DTFloat32); err != nil {
		return CombinedMap{}, err
	}
	return CombinedMap{Study: s.Study, Groups: s.Groups, N: n, DF: df, Output: path}, nil
}
