package cli

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"sdmkit/internal/config"
	"sdmkit/internal/volume"
)

// Version is the sdmkit release string.
var Version = "v0.3.0-dev"

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	fmt.Printf("Config file: %s\n", config.Path())

	fmt.Printf("\nSDM:\n")
	fmt.Printf("  Binary: %s (fallbacks: %v)\n", r.cfg.SDM.Binary, r.cfg.SDM.Fallbacks)
	if r.cfg.SDM.WorkDir != "" {
		fmt.Printf("  Work directory: %s\n", r.cfg.SDM.WorkDir)
	}
	if r.cfg.SDM.Timeout != "" {
		fmt.Printf("  Timeout: %s\n", r.cfg.SDM.Timeout)
	}

	fmt.Printf("\nThresholds (p, peak, extent):\n")
	for _, t := range []struct {
		name string
		t    config.Threshold
	}{
		{"Mean", r.cfg.Thresholds.Mean},
		{"Jack-knife", r.cfg.Thresholds.Jackknife},
		{"Meta-regression", r.cfg.Thresholds.MetaReg},
	} {
		fmt.Printf("  %-16s %g, %g, %d\n", t.name+":", t.t.P, t.t.Peak, t.t.Extent)
	}

	pp := r.cfg.Preprocess
	fmt.Printf("\nPreprocessing: %s, %g, %d, %s, %d\n", pp.Template, pp.Anisotropy, pp.FWHM, pp.Mask, pp.VoxelSize)
	fmt.Printf("Check connectivity: %d\n", r.cfg.Check.Connectivity)

	fmt.Printf("\nDatabase Path: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("Default Output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Printf("Parallel Jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Printf("Log Level: %s\n", r.cfg.Logging.Level)
	fmt.Printf("Log Format: %s\n", r.cfg.Logging.Format)
	return nil
}

func (r *Root) configValidate() error {
	var errs []error
	if _, err := volume.ParseConnectivity(r.cfg.Check.Connectivity); err != nil {
		errs = append(errs, err)
	}
	for name, t := range map[string]config.Threshold{
		"mean":      r.cfg.Thresholds.Mean,
		"jackknife": r.cfg.Thresholds.Jackknife,
		"metareg":   r.cfg.Thresholds.MetaReg,
	} {
		if t.P <= 0 || t.P >= 1 {
			errs = append(errs, fmt.Errorf("thresholds.%s.p must be in (0,1), got %g", name, t.P))
		}
	}
	if r.cfg.SDM.Timeout != "" {
		if _, err := time.ParseDuration(r.cfg.SDM.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("sdm.timeout: %w", err))
		}
	}
	if r.cfg.SDM.Binary == "" && len(r.cfg.SDM.Fallbacks) == 0 {
		errs = append(errs, errors.New("sdm.binary is empty and no fallbacks are configured"))
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Error("configuration validation", "status", "invalid", "error", err)
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Println("✅ Configuration is valid")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Printf("sdmkit %s\n", Version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
	if bin, err := r.newToolManager().SDMBinary(); err == nil {
		fmt.Printf("SDM: %s\n", bin)
	} else {
		fmt.Printf("SDM: not found\n")
	}
	return nil
}

func (r *Root) cmdTools(verbose bool) error {
	tm := r.newToolManager()
	status := tm.GetToolStatus()

	fmt.Println("sdmkit Tool Status Report")

	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := []string{"Tool", "Available"}
	if verbose {
		headers = append(headers, "Version", "Path", "Error")
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		st := status[name]
		icon := "❌"
		if st.Available {
			icon = "✅"
		}
		row := []string{name, icon}
		if verbose {
			errMsg := ""
			if st.Error != nil {
				errMsg = st.Error.Error()
			}
			row = append(row, st.Version, st.Path, errMsg)
		}
		rows = append(rows, row)
	}
	fmt.Println(renderTable(headers, rows, nil))

	if bin, err := tm.SDMBinary(); err == nil {
		fmt.Printf("\nSDM executable: %s ✅\n", bin)
	} else {
		fmt.Printf("\nSDM executable: none available ❌\n")
	}
	return nil
}
