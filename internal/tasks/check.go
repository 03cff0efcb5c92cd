package tasks

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"sdmkit/internal/fsutil"
	"sdmkit/internal/nifti"
	"sdmkit/internal/volume"
)

// ErrNoResults is returned when a directory holds nothing to work on.
var ErrNoResults = errors.New("no matching results")

// Candidate volume names. The "name" group identifies the run; the optional
// "neg" group marks the negative-effect volume.
var (
	JackknifePattern      = regexp.MustCompile(`^(?P<name>.+_JK_.+)_z_p_\d+\.\d+_\d+\.\d+_\d+(?P<neg>_neg)?\.nii\.gz$`)
	MetaRegressionPattern = regexp.MustCompile(`^(?P<name>.+)_1m0_z_p_\d+\.\d+_\d+\.\d+_\d+(?P<neg>_neg)?\.nii\.gz$`)
)

// CheckMode selects how overlaps are reported.
type CheckMode string

const (
	ModeJackknife      CheckMode = "jackknife"
	ModeMetaRegression CheckMode = "metareg"
)

// Cluster statuses.
const (
	StatusRetained  = "retained"
	StatusMissing   = "missing"
	StatusNew       = "new"
	StatusOverlap   = "overlap"
	StatusNoOverlap = "no_overlap"
)

// Volume signs and row sources.
const (
	SignPositive = "positive"
	SignNegative = "negative"

	SourceBaseline  = "baseline"
	SourceCandidate = "candidate"
)

// CheckRequest describes one comparison of a directory of thresholded
// volumes against a baseline pair.
type CheckRequest struct {
	BaselinePositive string
	BaselineNegative string
	Dir              string
	Pattern          *regexp.Regexp
	Mode             CheckMode
	Connectivity     volume.Connectivity
	CSVPath          string
	MaxConcurrency   int
}

// Finding is one row of a check report.
type Finding struct {
	Name            string  `json:"name"`
	Volume          string  `json:"volume"`
	Sign            string  `json:"sign"`
	Source          string  `json:"source"`
	Cluster         int32   `json:"cluster"`
	Voxels          int     `json:"voxels"`
	Peak            [3]int  `json:"peak"`
	PeakValue       float64 `json:"peak_value"`
	OverlapVoxels   int     `json:"overlap_voxels"`
	OverlapFraction float64 `json:"overlap_fraction"`
	Overlaps        []int32 `json:"overlaps,omitempty"`
	Status          string  `json:"status"`
}

// CheckReport holds every finding of a check in name, sign, source, cluster order.
type CheckReport struct {
	Mode     CheckMode `json:"mode"`
	Volumes  []string  `json:"volumes"`
	Findings []Finding `json:"findings"`
	CSVPath  string    `json:"csv_path,omitempty"`
}

// Summary counts findings by status.
func (r CheckReport) Summary() map[string]int {
	out := map[string]int{}
	for _, f := range r.Findings {
		out[f.Status]++
	}
	return out
}

type labeled struct {
	img      *nifti.Image
	mask     []bool
	labels   []int32
	clusters []volume.Cluster
}

func labelVolume(img *nifti.Image, conn volume.Connectivity) labeled {
	mask := volume.NonZero(img.Data)
	labels, n := volume.Label(mask, img.Dims, conn)
	return labeled{img: img, mask: mask, labels: labels, clusters: volume.Summarise(labels, n, img)}
}

// emptyBaseline stands in for a sign SDM wrote no volume for: no clusters,
// so every candidate cluster on that side is new.
func emptyBaseline(n int) *labeled {
	return &labeled{mask: make([]bool, n), labels: make([]int32, n)}
}

type candidate struct {
	file string
	name string
	sign string
}

// matchCandidates lists the files in dir matched by pattern, with the run
// name and sign taken from its capture groups. Files in skip are ignored.
func matchCandidates(dir string, pattern *regexp.Regexp, skip ...string) ([]candidate, error) {
	names, err := fsutil.ListMatching(dir, pattern)
	if err != nil {
		return nil, err
	}
	skipped := map[string]bool{}
	for _, s := range skip {
		if s != "" {
			skipped[filepath.Base(s)] = true
		}
	}
	nameIdx := pattern.SubexpIndex("name")
	negIdx := pattern.SubexpIndex("neg")

	var out []candidate
	for _, name := range names {
		if skipped[name] {
			continue
		}
		m := pattern.FindStringSubmatch(name)
		c := candidate{file: filepath.Join(dir, name), name: name, sign: SignPositive}
		if nameIdx >= 0 {
			c.name = m[nameIdx]
		}
		if negIdx >= 0 && m[negIdx] != "" {
			c.sign = SignNegative
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].file < out[j].file })
	return out, nil
}

// CheckClusters labels the clusters of the baseline volumes and of every
// candidate volume in the request directory, then reports which baseline
// clusters each candidate keeps and which clusters it adds.
func CheckClusters(ctx context.Context, req CheckRequest) (CheckReport, error) {
	if req.Pattern == nil {
		req.Pattern = JackknifePattern
	}
	if req.Mode == "" {
		req.Mode = ModeJackknife
	}
	if req.Connectivity == 0 {
		req.Connectivity = volume.Conn26
	}
	if req.BaselinePositive == "" && req.BaselineNegative == "" {
		return CheckReport{}, errors.New("check: no baseline volume given")
	}

	cands, err := matchCandidates(req.Dir, req.Pattern, req.BaselinePositive, req.BaselineNegative)
	if err != nil {
		return CheckReport{}, err
	}
	if len(cands) == 0 {
		return CheckReport{}, fmt.Errorf("%w: pattern %s in %s", ErrNoResults, req.Pattern, req.Dir)
	}

	baselines := map[string]*labeled{}
	for sign, path := range map[string]string{SignPositive: req.BaselinePositive, SignNegative: req.BaselineNegative} {
		if path == "" {
			continue
		}
		img, err := nifti.Read(path)
		if err != nil {
			return CheckReport{}, fmt.Errorf("baseline: %w", err)
		}
		l := labelVolume(img, req.Connectivity)
		baselines[sign] = &l
		slog.Info("baseline labeled", "sign", sign, "volume", path, "clusters", len(l.clusters))
	}

	results := make([][]Finding, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	if req.MaxConcurrency > 0 {
		g.SetLimit(req.MaxConcurrency)
	}
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := nifti.Read(c.file)
			if err != nil {
				return err
			}
			base, ok := baselines[c.sign]
			if ok {
				if err := nifti.CheckGrid(base.img, img); err != nil {
					return fmt.Errorf("%s: %w", c.file, err)
				}
			} else {
				slog.Info("no baseline for sign, all clusters are new", "volume", c.file, "sign", c.sign)
				base = emptyBaseline(img.Len())
			}
			results[i] = compareVolumes(req.Mode, base, labelVolume(img, req.Connectivity), c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CheckReport{}, err
	}

	report := CheckReport{Mode: req.Mode}
	for i, c := range cands {
		report.Volumes = append(report.Volumes, c.file)
		report.Findings = append(report.Findings, results[i]...)
	}
	sortFindings(report.Findings)

	if req.CSVPath != "" {
		if err := WriteFindingsCSV(req.CSVPath, report.Findings); err != nil {
			return report, err
		}
		report.CSVPath = req.CSVPath
	}
	slog.Info("check complete", "mode", req.Mode, "volumes", len(cands), "findings", len(report.Findings))
	return report, nil
}

// compareVolumes pools each volume's labels under the other's mask and turns
// each cluster into a finding.
func compareVolumes(mode CheckMode, base *labeled, cand labeled, c candidate) []Finding {
	baseHits := volume.PoolLabels(base.labels, cand.mask)
	candHits := volume.PoolLabels(cand.labels, base.mask)

	var out []Finding
	for _, cl := range base.clusters {
		var touch []int32
		if baseHits[cl.Label] > 0 {
			touch = pooledIDs(volume.PoolLabels(cand.labels, volume.LabelMask(base.labels, cl.Label)))
		}
		f := newFinding(c, SourceBaseline, cl, baseHits[cl.Label], touch)
		switch {
		case mode == ModeMetaRegression && f.OverlapVoxels > 0:
			f.Status = StatusOverlap
		case mode == ModeMetaRegression:
			f.Status = StatusNoOverlap
		case f.OverlapVoxels > 0:
			f.Status = StatusRetained
		default:
			f.Status = StatusMissing
		}
		out = append(out, f)
	}
	for _, cl := range cand.clusters {
		var touch []int32
		if candHits[cl.Label] > 0 {
			touch = pooledIDs(volume.PoolLabels(base.labels, volume.LabelMask(cand.labels, cl.Label)))
		}
		f := newFinding(c, SourceCandidate, cl, candHits[cl.Label], touch)
		switch {
		case f.OverlapVoxels == 0:
			f.Status = StatusNew
		case mode == ModeMetaRegression:
			f.Status = StatusOverlap
		default:
			continue
		}
		out = append(out, f)
	}
	return out
}

func pooledIDs(pooled map[int32]int) []int32 {
	ids := make([]int32, 0, len(pooled))
	for id := range pooled {
		ids = append(ids, id)
	}
	return ids
}

func newFinding(c candidate, source string, cl volume.Cluster, hits int, touch []int32) Finding {
	sort.Slice(touch, func(i, j int) bool { return touch[i] < touch[j] })
	f := Finding{
		Name:          c.name,
		Volume:        c.file,
		Sign:          c.sign,
		Source:        source,
		Cluster:       cl.Label,
		Voxels:        cl.Voxels,
		Peak:          cl.Peak,
		PeakValue:     cl.PeakValue,
		OverlapVoxels: hits,
		Overlaps:      touch,
	}
	if cl.Voxels > 0 {
		f.OverlapFraction = float64(hits) / float64(cl.Voxels)
	}
	return f
}

func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Sign != b.Sign {
			return a.Sign > b.Sign // positive first
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Cluster < b.Cluster
	})
}

// FindingsHeader is the header row of a check CSV.
var FindingsHeader = []string{
	"name", "volume", "sign", "source", "cluster", "voxels",
	"peak_x", "peak_y", "peak_z", "peak_value",
	"overlap_voxels", "overlap_fraction", "overlaps", "status",
}

// WriteFindingsCSV writes findings to path.
func WriteFindingsCSV(path string, fs []Finding) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(FindingsHeader); err != nil {
		f.Close()
		return err
	}
	for _, fd := range fs {
		overlaps := make([]string, len(fd.Overlaps))
		for i, o := range fd.Overlaps {
			overlaps[i] = strconv.Itoa(int(o))
		}
		rec := []string{
			fd.Name, filepath.Base(fd.Volume), fd.Sign, fd.Source,
			strconv.Itoa(int(fd.Cluster)), strconv.Itoa(fd.Voxels),
			strconv.Itoa(fd.Peak[0]), strconv.Itoa(fd.Peak[1]), strconv.Itoa(fd.Peak[2]),
			strconv.FormatFloat(fd.PeakValue, 'g', 6, 64),
			strconv.Itoa(fd.OverlapVoxels),
			strconv.FormatFloat(fd.OverlapFraction, 'f', 4, 64),
			strings.Join(overlaps, ";"),
			fd.Status,
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
