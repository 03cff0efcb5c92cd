package tasks

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sdmkit/internal/config"
	"sdmkit/internal/nifti"
	"sdmkit/internal/sdm"
	"sdmkit/internal/volume"
)

type recordingExecutor struct {
	commands []string
	onRun    func(command string) error
}

func (r *recordingExecutor) Run(_ context.Context, command string) error {
	r.commands = append(r.commands, command)
	if r.onRun != nil {
		return r.onRun(command)
	}
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeLine writes a dims-long 1-D volume with the given non-zero voxels.
func writeLine(t *testing.T, path string, dims int, voxels map[int]float64) {
	t.Helper()
	img := &nifti.Image{Dims: [3]int{dims, 1, 1}, Data: make([]float64, dims)}
	for i, v := range voxels {
		img.Data[i] = v
	}
	if err := nifti.Write(path, img, nifti.DTFloat32); err != nil {
		t.Fatal(err)
	}
}

const peaksPage = `<html><body>
<table><tr><td>1</td></tr></table><p>Peak 2,-4,6</p>
<table><tr><td>2</td></tr></table><p>Peak -38,12,-20</p>
</body></html>`

func TestExtractPeaks(t *testing.T) {
	page := filepath.Join(t.TempDir(), "BD_mean_z_p_0.00500_1.000_10.htm")
	writeFile(t, page, peaksPage)
	exec := &recordingExecutor{}

	res, err := ExtractPeaks(context.Background(), exec, page, "BD_mean")
	if err != nil {
		t.Fatalf("ExtractPeaks: %v", err)
	}
	want := []string{
		"BD_mean_coords_1 = mask coordinate, 2, -4, 6",
		"extract BD_mean_coords_1",
		"BD_mean_coords_2 = mask coordinate, -38, 12, -20",
		"extract BD_mean_coords_2",
	}
	if diff := cmp.Diff(want, exec.commands); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"BD_mean_coords_1", "BD_mean_coords_2"}, res.Masks); diff != "" {
		t.Fatalf("masks mismatch:\n%s", diff)
	}
}

func TestExtractPeaksStopsOnFailure(t *testing.T) {
	page := filepath.Join(t.TempDir(), "page.htm")
	writeFile(t, page, peaksPage)
	boom := errors.New("boom")
	exec := &recordingExecutor{onRun: func(string) error { return boom }}

	if _, err := ExtractPeaks(context.Background(), exec, page, "BD"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
	if len(exec.commands) != 1 {
		t.Fatalf("expected to stop after first command, ran %v", exec.commands)
	}
}

func TestThresholdJackknife(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"MDD_JK_Smith_z.htm",
		"MDD_JK_Smith_QH_z.htm",
		"MDD_JK_Smith_z_p_0.00500_1.000_10.htm",
		"MDD_JK_Jones_z.htm",
		"MDD_mean_z.htm",
	} {
		writeFile(t, filepath.Join(dir, name), "")
	}
	exec := &recordingExecutor{}

	got, err := ThresholdJackknife(context.Background(), exec, dir, sdm.DefaultThreshold)
	if err != nil {
		t.Fatalf("ThresholdJackknife: %v", err)
	}
	if diff := cmp.Diff([]string{"MDD_JK_Jones_z", "MDD_JK_Smith_z"}, got); diff != "" {
		t.Fatalf("results mismatch:\n%s", diff)
	}
	want := []string{
		"threshold MDD_JK_Jones_z, p, 0.005, 1, 10",
		"threshold MDD_JK_Smith_z, p, 0.005, 1, 10",
	}
	if diff := cmp.Diff(want, exec.commands); diff != "" {
		t.Fatalf("commands mismatch:\n%s", diff)
	}

	if _, err := ThresholdJackknife(context.Background(), exec, t.TempDir(), sdm.DefaultThreshold); !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
}

func TestJackKnifeRewritesSelectionColumn(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, sdm.TableName)
	writeFile(t, table, "study\tCombinedGroups\nA\t1\nB\t0\nC\t1\n")

	seen := map[string][]string{}
	exec := &recordingExecutor{}
	exec.onRun = func(command string) error {
		tbl, err := sdm.ReadTable(table)
		if err != nil {
			return err
		}
		col, err := tbl.Column(JackknifeColumn)
		if err != nil {
			return err
		}
		seen[command] = col
		return nil
	}

	runs, err := JackKnife(context.Background(), exec, JackknifeRequest{Dir: dir, Analysis: "MDD", SelectColumn: "CombinedGroups"})
	if err != nil {
		t.Fatalf("JackKnife: %v", err)
	}
	if diff := cmp.Diff([]string{"MDD_JK_A", "MDD_JK_C"}, runs); diff != "" {
		t.Fatalf("runs mismatch:\n%s", diff)
	}
	want := map[string][]string{
		"MDD_JK_A = mean JK_column": {"0.0", "0.0", "1.0"},
		"MDD_JK_C = mean JK_column": {"1.0", "0.0", "0.0"},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("JK columns mismatch (-want +got):\n%s", diff)
	}
}

func TestJackKnifeRespectsDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, sdm.TableName), "study\nA\n")
	held, err := LockDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Unlock()

	_, err = JackKnife(context.Background(), &recordingExecutor{}, JackknifeRequest{Dir: dir, Analysis: "MDD"})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func statuses(fs []Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Sign + "/" + f.Source + "/" + f.Status
	}
	return out
}

func TestCheckClustersJackknife(t *testing.T) {
	dir := t.TempDir()
	files := sdm.Files(sdm.MeanResult("MDD"), sdm.DefaultThreshold)
	basePos := filepath.Join(dir, files.Positive)
	baseNeg := filepath.Join(dir, files.Negative)
	writeLine(t, basePos, 10, map[int]float64{1: 3, 2: 5, 6: 2, 7: 2})
	writeLine(t, baseNeg, 10, map[int]float64{4: -3})
	writeLine(t, filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10.nii.gz"), 10, map[int]float64{2: 4, 9: 1})
	writeLine(t, filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10_neg.nii.gz"), 10, map[int]float64{4: -2})

	csvPath := filepath.Join(dir, "MDD_JK_check.csv")
	report, err := CheckClusters(context.Background(), CheckRequest{
		BaselinePositive: basePos,
		BaselineNegative: baseNeg,
		Dir:              dir,
		Pattern:          JackknifePattern,
		Mode:             ModeJackknife,
		Connectivity:     volume.Conn26,
		CSVPath:          csvPath,
		MaxConcurrency:   2,
	})
	if err != nil {
		t.Fatalf("CheckClusters: %v", err)
	}

	want := []string{
		"positive/baseline/retained",
		"positive/baseline/missing",
		"positive/candidate/new",
		"negative/baseline/retained",
	}
	if diff := cmp.Diff(want, statuses(report.Findings)); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}

	first := report.Findings[0]
	if first.Name != "MDD_JK_A" || first.Voxels != 2 || first.OverlapVoxels != 1 || first.OverlapFraction != 0.5 {
		t.Fatalf("unexpected retained finding %+v", first)
	}
	if first.Peak != [3]int{2, 0, 0} || first.PeakValue != 5 {
		t.Fatalf("unexpected peak %+v", first)
	}
	if got := report.Findings[2].Peak; got != [3]int{9, 0, 0} {
		t.Fatalf("new cluster peak %v", got)
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 || lines[0] != strings.Join(FindingsHeader, ",") {
		t.Fatalf("unexpected csv:\n%s", data)
	}
	if report.Summary()[StatusRetained] != 2 {
		t.Fatalf("summary %v", report.Summary())
	}
}

func TestCheckClustersMetaRegression(t *testing.T) {
	dir := t.TempDir()
	basePos := filepath.Join(dir, "MDD_mean_QH_z_p_0.00500_1.000_10.nii.gz")
	writeLine(t, basePos, 10, map[int]float64{1: 3, 2: 5, 6: 2, 7: 2})
	writeLine(t, filepath.Join(dir, "MDD_Age_1m0_z_p_0.00050_1.000_10.nii.gz"), 10, map[int]float64{2: 4, 9: 1})

	report, err := CheckClusters(context.Background(), CheckRequest{
		BaselinePositive: basePos,
		Dir:              dir,
		Pattern:          MetaRegressionPattern,
		Mode:             ModeMetaRegression,
	})
	if err != nil {
		t.Fatalf("CheckClusters: %v", err)
	}
	want := []string{
		"positive/baseline/overlap",
		"positive/baseline/no_overlap",
		"positive/candidate/overlap",
		"positive/candidate/new",
	}
	if diff := cmp.Diff(want, statuses(report.Findings)); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if report.Findings[0].Name != "MDD_Age" {
		t.Fatalf("name %q", report.Findings[0].Name)
	}
	if diff := cmp.Diff([]int32{1}, report.Findings[2].Overlaps); diff != "" {
		t.Fatalf("pooled labels mismatch:\n%s", diff)
	}
}

func TestCheckClustersSignWithoutBaseline(t *testing.T) {
	dir := t.TempDir()
	files := sdm.Files(sdm.MeanResult("MDD"), sdm.DefaultThreshold)
	basePos := filepath.Join(dir, files.Positive)
	writeLine(t, basePos, 10, map[int]float64{1: 3, 2: 5})
	writeLine(t, filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10.nii.gz"), 10, map[int]float64{2: 4})
	writeLine(t, filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10_neg.nii.gz"), 10, map[int]float64{6: -2, 7: -3})

	report, err := CheckClusters(context.Background(), CheckRequest{
		BaselinePositive: basePos,
		Dir:              dir,
		Mode:             ModeJackknife,
	})
	if err != nil {
		t.Fatalf("CheckClusters: %v", err)
	}

	want := []string{
		"positive/baseline/retained",
		"negative/candidate/new",
	}
	if diff := cmp.Diff(want, statuses(report.Findings)); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	neg := report.Findings[1]
	if neg.Voxels != 2 || neg.PeakValue != -3 || neg.OverlapVoxels != 0 || len(neg.Overlaps) != 0 {
		t.Fatalf("unexpected negative finding %+v", neg)
	}
	if len(report.Volumes) != 2 {
		t.Fatalf("volumes %v", report.Volumes)
	}
}

func TestCheckClustersRejectsMismatchedGrid(t *testing.T) {
	dir := t.TempDir()
	basePos := filepath.Join(dir, "base.nii.gz")
	writeLine(t, basePos, 10, map[int]float64{1: 1})
	writeLine(t, filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10.nii.gz"), 12, map[int]float64{1: 1})

	_, err := CheckClusters(context.Background(), CheckRequest{BaselinePositive: basePos, Dir: dir})
	if !errors.Is(err, nifti.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCompareCoordinates(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "MDD_mean_z_p_0.00500_1.000_10.htm")
	writeFile(t, base, `<table></table><p>2,-4,6</p><table></table><p>10,20,30</p>`)
	writeFile(t, filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10.htm"), `<table></table><p>2,-4,6</p><table></table><p>-8,0,4</p>`)
	writeFile(t, filepath.Join(dir, "MDD_JK_A_z.htm"), `<table></table><p>1,1,1</p>`)

	report, err := CompareCoordinates(base, dir)
	if err != nil {
		t.Fatalf("CompareCoordinates: %v", err)
	}
	if len(report.Iterations) != 1 {
		t.Fatalf("iterations %+v", report.Iterations)
	}
	shifts := report.Iterations[0].Shifts
	if len(shifts) != 1 || shifts[0].Nearest != (sdm.Coordinate{X: 2, Y: -4, Z: 6}) {
		t.Fatalf("shifts %+v", shifts)
	}
	if math.Abs(shifts[0].Distance-math.Sqrt(120)) > 1e-9 {
		t.Fatalf("distance %v, want sqrt(120)", shifts[0].Distance)
	}

	var buf bytes.Buffer
	if err := WriteCoordinateReport(&buf, report); err != nil {
		t.Fatal(err)
	}
	want := "Original coordinates = ['2,-4,6', '10,20,30']\n" +
		"MDD_JK_A_z_p_0.00500_1.000_10.htm - coordinates = ['2,-4,6', '-8,0,4']\n" +
		"-8,0,4 = new cluster\n" +
		"10,20,30 missing from this iteration\n"
	if buf.String() != want {
		t.Fatalf("report:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestCombineSubgroups(t *testing.T) {
	maps := t.TempDir()
	out := t.TempDir()
	writeLine(t, filepath.Join(maps, "pp_Smith2010a_mdd.nii.gz"), 2, map[int]float64{0: 1, 1: 2})
	writeLine(t, filepath.Join(maps, "pp_Smith2010b_bd.nii.gz"), 2, map[int]float64{0: 3, 1: 4})
	studies := filepath.Join(maps, "studies.csv")
	writeFile(t, studies, "study,group_a,group_b,group_c,na,nb,nc,c_n\n1,Smith2010a_mdd,Smith2010b_bd,,10,30,,40\n")

	res, err := CombineSubgroups(context.Background(), CombineRequest{StudiesCSV: studies, MapsDir: maps, OutputDir: out})
	if err != nil {
		t.Fatalf("CombineSubgroups: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("results %+v", res)
	}
	if filepath.Base(res[0].Output) != "combined_t_Smith2010_mdd.nii.gz" {
		t.Fatalf("output name %q", res[0].Output)
	}

	img, err := nifti.Read(res[0].Output)
	if err != nil {
		t.Fatal(err)
	}
	k := TFactor(40, 40)
	for i, d := range []float64{2.5, 3.5} {
		if want := d * k; math.Abs(img.Data[i]-want) > 1e-4 {
			t.Fatalf("voxel %d = %v, want %v", i, img.Data[i], want)
		}
	}
	if img.Header.IntentCode != nifti.IntentTTest || img.Header.IntentP1 != 38 {
		t.Fatalf("intent code=%d p1=%v", img.Header.IntentCode, img.Header.IntentP1)
	}
}

func TestTFactorKnownValue(t *testing.T) {
	// 40 patients against 40 controls.
	if got, want := TFactor(40, 40), 4.515719361471945; math.Abs(got-want) > 1e-9 {
		t.Fatalf("TFactor(40, 40) = %.15f, want %.15f", got, want)
	}
}

func TestTFactorApproachesPooledScale(t *testing.T) {
	got := TFactor(1000, 1000)
	want := math.Sqrt(1000.0 * 1000 / 2000)
	if math.Abs(got-want)/want > 0.001 {
		t.Fatalf("TFactor = %v, want about %v", got, want)
	}
}

func TestCombinedName(t *testing.T) {
	cases := map[string]string{
		"Smith2010a_mdd": "combined_t_Smith2010_mdd.nii.gz",
		"Jones_2012b":    "combined_t_Jones_2012.nii.gz",
		"nodigits":       "combined_t_nodigits.nii.gz",
	}
	for in, want := range cases {
		if got := CombinedName(in, ""); got != want {
			t.Errorf("CombinedName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestThresholdImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.nii.gz")
	writeLine(t, path, 4, map[int]float64{0: 0.99, 1: 0.996, 2: 1, 3: 0.5})

	out, err := ThresholdImage(path, 0.005)
	if err != nil {
		t.Fatalf("ThresholdImage: %v", err)
	}
	if filepath.Base(out) != "map_0.005.nii.gz" {
		t.Fatalf("output %q", out)
	}
	img, err := nifti.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0.996, 1, 0}
	for i, w := range want {
		if math.Abs(img.Data[i]-w) > 1e-6 {
			t.Fatalf("voxel %d = %v, want %v", i, img.Data[i], w)
		}
	}
	if _, err := ThresholdImage(path, 1.5); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestLabelImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.nii.gz")
	writeLine(t, path, 8, map[int]float64{0: 1, 1: 1, 5: 2})

	res, err := LabelImage(path, "", "", volume.Conn26)
	if err != nil {
		t.Fatalf("LabelImage: %v", err)
	}
	if filepath.Base(res.Output) != "map_labels.nii.gz" {
		t.Fatalf("output %q", res.Output)
	}
	if len(res.Clusters) != 2 || res.Clusters[0].Voxels != 2 {
		t.Fatalf("clusters %+v", res.Clusters)
	}
	labels, err := nifti.Read(res.Output)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 1, 0, 0, 0, 2, 0, 0}, labels.Data); diff != "" {
		t.Fatalf("labels mismatch:\n%s", diff)
	}
}

func TestLabelImageNegativeSide(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signed.nii.gz")
	writeLine(t, path, 6, map[int]float64{0: 2, 3: -1.5, 4: -2.5})

	res, err := LabelImage(path, filepath.Join(dir, "neg_labels.nii.gz"), volume.SignNegative, volume.Conn26)
	if err != nil {
		t.Fatalf("LabelImage: %v", err)
	}
	if len(res.Clusters) != 1 || res.Clusters[0].Voxels != 2 || res.Clusters[0].PeakValue != -2.5 {
		t.Fatalf("clusters %+v", res.Clusters)
	}
	if _, err := LabelImage(path, "", "sideways", volume.Conn26); err == nil {
		t.Fatalf("expected error for unknown sign")
	}
}

func TestRunMetaAnalysisCommandOrder(t *testing.T) {
	req, err := MetaAnalysisDefaults(config.Default(), MetaAnalysisRequest{
		Dir:            t.TempDir(),
		Analysis:       "MDD",
		Filter:         "CombinedGroups",
		MetaRegColumns: []string{"Age"},
		Skip:           map[Step]bool{StepJackknife: true, StepThresholdJackknife: true, StepExtract: true, StepCheck: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	exec := &recordingExecutor{}

	res, err := RunMetaAnalysis(context.Background(), exec, req)
	if err != nil {
		t.Fatalf("RunMetaAnalysis: %v", err)
	}
	want := []string{
		"pp gray_matter, 1.0, 20, gray_matter, 2",
		"MDD_mean = mean CombinedGroups",
		"threshold MDD_mean_z, p, 0.005, 1, 10",
		"threshold MDD_mean_QH_z, p, 0.005, 1, 10",
		"MDD_Age = lm Age, CombinedGroups",
		"threshold MDD_Age_1m0_z, p, 0.0005, 1, 10",
	}
	if diff := cmp.Diff(want, exec.commands); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Step{StepJackknife, StepThresholdJackknife, StepExtract, StepCheck}, res.Skipped); diff != "" {
		t.Fatalf("skipped mismatch:\n%s", diff)
	}
}

func TestParseSteps(t *testing.T) {
	got, err := ParseSteps([]string{"mean", "check"})
	if err != nil {
		t.Fatal(err)
	}
	if !got[StepMean] || !got[StepCheck] || len(got) != 2 {
		t.Fatalf("steps %v", got)
	}
	if _, err := ParseSteps([]string{"bogus"}); err == nil {
		t.Fatalf("expected error for unknown step")
	}
}

func TestFileSystemWatcherReportsResultVolumes(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileSystemWatcher([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	target := filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10.nii.gz")
	writeFile(t, target, "x")

	select {
	case ev := <-w.Events:
		if ev.Path != target {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event for %s", target)
	}
}

func TestFileSystemWatcherIgnoresNonVolumes(t *testing.T) {
	w, err := NewFileSystemWatcher(nil, regexp.MustCompile(`^MDD_`))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for name, want := range map[string]bool{
		"MDD_JK_A_z.nii.gz": true,
		"MDD_JK_A_z.nii":    true,
		"MDD_notes.txt":     false,
		"MDD_table.htm":     false,
	} {
		if got := w.matches(filepath.Join("/data", name)); got != want {
			t.Errorf("matches(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestToolManagerFindsFallbackBinary(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\necho 'SDM version 6.22'\nexit 1\n"
	if err := os.WriteFile(filepath.Join(dir, "sdm.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	cfg := config.Default()
	cfg.SDM.Binary = "sdm-missing"
	cfg.SDM.Fallbacks = []string{"sdm.sh"}
	tm := NewToolManager(cfg)

	status := tm.GetToolStatus()
	if status["sdm-missing"].Available {
		t.Fatalf("missing binary reported available")
	}
	got := status["sdm.sh"]
	if !got.Available || got.Version != "SDM version 6.22" {
		t.Fatalf("unexpected status %+v", got)
	}
	bin, err := tm.SDMBinary()
	if err != nil || filepath.Base(bin) != "sdm.sh" {
		t.Fatalf("SDMBinary = %q, %v", bin, err)
	}
}
