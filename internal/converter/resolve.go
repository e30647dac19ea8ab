package converter

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const (
	binaryName    = "splat-transform"
	runnerCommand = "npx"
	runnerPackage = "@playcanvas/splat-transform"
)

// Resolution is where the converter binary was found and how to invoke it.
type Resolution struct {
	Mode string `json:"mode"`
	Path string `json:"path"`
}

// argv returns the command prefix for this resolution.
func (r Resolution) argv() []string {
	if r.Mode == ModePackageRunner {
		return []string{runnerCommand, runnerPackage}
	}
	return []string{r.Path}
}

// resolve probes for a local binary and falls back to the package runner.
// Probe order: explicit config path, $SPLAT_TRANSFORM_PATH, $PATH, then a
// short list of well-known install locations.
func resolve(cfg Config) Resolution {
	if cfg.BinaryPath != "" {
		if fileExists(cfg.BinaryPath) {
			return local(cfg.BinaryPath)
		}
		log.Warn().Str("path", cfg.BinaryPath).Msg("configured converter binary not found, probing fallbacks")
	}

	if p := os.Getenv("SPLAT_TRANSFORM_PATH"); p != "" && fileExists(p) {
		return local(p)
	}

	if p, err := exec.LookPath(binaryName); err == nil {
		return local(p)
	}

	for _, dir := range wellKnownDirs() {
		p := filepath.Join(dir, binaryName)
		if fileExists(p) {
			return local(p)
		}
	}

	log.Warn().
		Str("runner", runnerCommand).
		Str("package", runnerPackage).
		Msg("no local splat-transform binary found, falling back to package runner")
	return Resolution{Mode: ModePackageRunner, Path: runnerCommand + " " + runnerPackage}
}

func local(path string) Resolution {
	log.Info().Str("path", path).Msg("resolved splat-transform binary")
	return Resolution{Mode: ModeLocal, Path: path}
}

func wellKnownDirs() []string {
	dirs := []string{"/usr/local/bin", "/opt/splat/bin"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "bin"))
	}
	return append(dirs, filepath.Join(".", "node_modules", ".bin"))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
