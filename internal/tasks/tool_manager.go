package tasks

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"sdmkit/internal/config"
	"sdmkit/internal/logging"
	"sdmkit/internal/sdm"
)

// ToolManager resolves the SDM executable from configuration.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     error  `json:"-"`
}

// candidates lists the configured binary followed by its fallbacks.
func (tm *ToolManager) candidates() []string {
	out := []string{tm.cfg.SDM.Binary}
	return append(out, tm.cfg.SDM.Fallbacks...)
}

// CheckTool verifies that name resolves to an executable and queries it for a
// version line. SDM prints its banner when started without arguments and may
// exit non-zero doing so; any output counts as a working binary.
func (tm *ToolManager) CheckTool(name string) ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path).CombinedOutput()
	if err != nil && len(output) == 0 {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// SDMBinary returns the path of the first configured SDM executable found.
func (tm *ToolManager) SDMBinary() (string, error) {
	return sdm.LookupBinary(tm.cfg.SDM.Binary, tm.cfg.SDM.Fallbacks...)
}

// GetToolStatus reports every configured SDM candidate.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, c := range tm.candidates() {
		if c == "" {
			continue
		}
		st := tm.CheckTool(c)
		logging.LogToolStatus(slog.Default(), c, st.Available, st.Version, st.Path, st.Error)
		status[c] = st
	}
	return status
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "unknown"
}
