// Package agents provides detection of installed AI coding tools.
package agents

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Tool describes one detected AI coding tool.
type Tool struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// knownTools maps tool names to the binary looked up on PATH.
var knownTools = map[string]string{
	"claude": "claude",
	"codex":  "codex",
	"gemini": "gemini",
	"aider":  "aider",
}

// Detector resolves agent tool names to installed binaries.
type Detector struct {
	// overrides maps a tool name to an explicit binary path, from config.
	overrides map[string]string
}

// NewDetector creates a detector. overrides may be nil.
func NewDetector(overrides map[string]string) *Detector {
	return &Detector{overrides: overrides}
}

// Resolve returns the binary path for an agent tool. A configured override
// wins over PATH lookup. The error names the tool so a caller can surface a
// descriptive spawn failure.
func (d *Detector) Resolve(tool string) (string, error) {
	if p, ok := d.overrides[tool]; ok {
		if fileExists(p) {
			return p, nil
		}
		return "", fmt.Errorf("agent tool %q: configured binary %s not found", tool, p)
	}

	bin, ok := knownTools[tool]
	if !ok {
		return "", fmt.Errorf("unknown agent tool %q", tool)
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("agent tool %q: binary %s not found on PATH", tool, bin)
	}
	return path, nil
}

// Known reports whether a tool name is recognized at all, installed or not.
func (d *Detector) Known(tool string) bool {
	if _, ok := d.overrides[tool]; ok {
		return true
	}
	_, ok := knownTools[tool]
	return ok
}

// Scan detects the installed tools. Used for daemon startup logging and the
// session-creation surface.
func (d *Detector) Scan() []Tool {
	var tools []Tool
	for name := range knownTools {
		path, err := d.Resolve(name)
		if err != nil {
			continue
		}
		tools = append(tools, Tool{
			Name:    name,
			Path:    path,
			Version: commandVersion(path),
		})
	}
	return tools
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func commandVersion(cmd string) string {
	out, err := exec.Command(cmd, "--version").Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}

// HomeDir is a helper for callers building default paths.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Clean(home)
}
