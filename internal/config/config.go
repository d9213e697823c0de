// Package config loads and validates the debugfleet manager configuration.
//
// Two on-disk formats are supported, selected by file extension:
//   - .json / .jsonc — JSONC (JSON with Comments), stripped with
//     github.com/tidwall/jsonc before parsing with encoding/json
//   - .yaml / .yml — parsed with gopkg.in/yaml.v3
//
// A missing file is not an error: Load falls back to Default() so the
// CLI works out of the box against a local browser binary and proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// LauncherKind selects how browser instances are launched.
type LauncherKind string

const (
	// LauncherExec launches the browser binary directly via os/exec.
	LauncherExec LauncherKind = "exec"

	// LauncherDocker launches the browser image in a container with the
	// debug port published to the host.
	LauncherDocker LauncherKind = "docker"
)

// ProxyConfig describes the external reverse-proxy engine the route
// generator drives. The engine is a collaborator, not part of this
// tool: it must support validate-without-activating and a hot reload.
type ProxyConfig struct {
	// ConfDir is the directory the proxy includes route files from.
	// One file per active port is written here.
	ConfDir string `json:"confDir" yaml:"confDir"`

	// TemplatePath is the route template file. The rendered text is the
	// per-port route config. An empty value uses the built-in template.
	TemplatePath string `json:"templatePath" yaml:"templatePath"`

	// ValidateCmd is the command that syntax-checks the proxy's full
	// configuration set, e.g. ["nginx", "-t"]. A non-zero exit means
	// the candidate must not be activated.
	ValidateCmd []string `json:"validateCmd" yaml:"validateCmd"`

	// ReloadCmd is the command that hot-reloads the proxy without
	// disrupting other routes, e.g. ["nginx", "-s", "reload"].
	ReloadCmd []string `json:"reloadCmd" yaml:"reloadCmd"`

	// BaseURL is where the proxy serves the generated routes, used by
	// the health aggregator's proxy-route tier. Route paths are
	// "<BaseURL>/debug/<port>/...".
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`

	// HealthPath is the optional auxiliary health endpoint on the
	// proxy. Its absence is a warn, not a fail.
	HealthPath string `json:"healthPath" yaml:"healthPath"`
}

// Config is the manager configuration. Zero values are filled in from
// Default() before validation, so partial files are fine.
type Config struct {
	// PortRangeStart and PortRangeEnd bound the port space instances
	// may occupy (inclusive).
	PortRangeStart int `json:"portRangeStart" yaml:"portRangeStart"`
	PortRangeEnd   int `json:"portRangeEnd" yaml:"portRangeEnd"`

	// HotRange is the size of the sub-range at the start of the port
	// range that health discovery scans exhaustively. Beyond it,
	// discovery samples every ScanStride-th port. Discovery is
	// documented as approximate, not exhaustive.
	HotRange   int `json:"hotRange" yaml:"hotRange"`
	ScanStride int `json:"scanStride" yaml:"scanStride"`

	// DataRoot holds all per-instance data directories and log files.
	DataRoot string `json:"dataRoot" yaml:"dataRoot"`

	// RegistryPath is the durable instance registry file. It survives
	// manager restarts; crash recovery reconciles it against the
	// actually live processes.
	RegistryPath string `json:"registryPath" yaml:"registryPath"`

	// BrowserBinary is the browser executable for the exec launcher.
	BrowserBinary string `json:"browserBinary" yaml:"browserBinary"`

	// BrowserImage is the container image for the docker launcher.
	BrowserImage string `json:"browserImage" yaml:"browserImage"`

	// ExtraArgs are appended to the fixed browser argument set on every
	// spawn, after any per-invocation extras.
	ExtraArgs []string `json:"extraArgs" yaml:"extraArgs"`

	// Launcher selects the launch mechanism: "exec" or "docker".
	Launcher LauncherKind `json:"launcher" yaml:"launcher"`

	// ReadinessAttempts and ReadinessInterval bound the readiness poll:
	// at most Attempts probes, one every Interval.
	ReadinessAttempts int           `json:"readinessAttempts" yaml:"readinessAttempts"`
	ReadinessInterval time.Duration `json:"readinessInterval" yaml:"readinessInterval"`

	// TerminateGrace is how long a graceful stop may take before the
	// supervisor escalates to a forceful kill.
	TerminateGrace time.Duration `json:"terminateGrace" yaml:"terminateGrace"`

	// Proxy configures the reverse-proxy collaborator.
	Proxy ProxyConfig `json:"proxy" yaml:"proxy"`
}

// Default returns the built-in configuration. The defaults target a
// local Chromium and an nginx-style proxy with an include directory.
func Default() *Config {
	return &Config{
		PortRangeStart: 9222,
		PortRangeEnd:   9321,
		HotRange:       20,
		ScanStride:     5,

		DataRoot:     "/var/lib/debugfleet",
		RegistryPath: "/var/lib/debugfleet/registry.json",

		BrowserBinary: "chromium",
		BrowserImage:  "chromium:latest",
		Launcher:      LauncherExec,

		ReadinessAttempts: 30,
		ReadinessInterval: time.Second,
		TerminateGrace:    10 * time.Second,

		Proxy: ProxyConfig{
			ConfDir:     "/etc/nginx/debugfleet.d",
			ValidateCmd: []string{"nginx", "-t"},
			ReloadCmd:   []string{"nginx", "-s", "reload"},
			BaseURL:     "http://127.0.0.1:8080",
			HealthPath:  "/debugfleet/health",
		},
	}
}

// Load reads the configuration file at path, merges it over the
// defaults, and validates the result. An empty path probes the
// standard locations (./debugfleet.jsonc, ./debugfleet.yaml); if no
// file exists, the defaults are returned as-is.
//
// Returns a model.CLIError with ExitConfigError on parse or
// validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = locateConfig()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read config file %q", path), err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// jsonc.ToJSON strips // and /* */ comments plus trailing
		// commas, producing strict JSON for encoding/json.
		clean := jsonc.ToJSON(data)
		if err := json.Unmarshal(clean, cfg); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse JSONC config %q", path), err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse YAML config %q", path), err)
		}
	default:
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("unsupported config extension %q (valid: .json, .jsonc, .yaml, .yml)", filepath.Ext(path)))
	}

	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("invalid config %q", path), err)
	}

	return cfg, nil
}

// locateConfig probes the standard config file locations in order and
// returns the first that exists, or "" if none do.
func locateConfig() string {
	for _, candidate := range []string{
		"debugfleet.jsonc",
		"debugfleet.json",
		"debugfleet.yaml",
		"debugfleet.yml",
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Validate checks the configuration for internally consistent values.
// It is called by Load but exported so tests and embedders can verify
// hand-built configs.
func (c *Config) Validate() error {
	if c.PortRangeStart < 1 || c.PortRangeStart > 65535 {
		return fmt.Errorf("portRangeStart %d out of range (1-65535)", c.PortRangeStart)
	}
	if c.PortRangeEnd < c.PortRangeStart || c.PortRangeEnd > 65535 {
		return fmt.Errorf("port range %d-%d is empty or out of range", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.HotRange < 0 {
		return fmt.Errorf("hotRange %d must not be negative", c.HotRange)
	}
	if c.ScanStride < 1 {
		return fmt.Errorf("scanStride %d must be at least 1", c.ScanStride)
	}
	if c.ReadinessAttempts < 1 {
		return fmt.Errorf("readinessAttempts %d must be at least 1", c.ReadinessAttempts)
	}
	if c.ReadinessInterval <= 0 {
		return fmt.Errorf("readinessInterval %v must be positive", c.ReadinessInterval)
	}
	if c.TerminateGrace <= 0 {
		return fmt.Errorf("terminateGrace %v must be positive", c.TerminateGrace)
	}
	switch c.Launcher {
	case LauncherExec, LauncherDocker:
	default:
		return fmt.Errorf("invalid launcher %q (valid: exec, docker)", c.Launcher)
	}
	if c.Launcher == LauncherExec && c.BrowserBinary == "" {
		return fmt.Errorf("browserBinary must be set for the exec launcher")
	}
	if c.Launcher == LauncherDocker && c.BrowserImage == "" {
		return fmt.Errorf("browserImage must be set for the docker launcher")
	}
	if len(c.Proxy.ValidateCmd) == 0 {
		return fmt.Errorf("proxy.validateCmd must not be empty")
	}
	if len(c.Proxy.ReloadCmd) == 0 {
		return fmt.Errorf("proxy.reloadCmd must not be empty")
	}
	return nil
}

// InstanceDir returns the data directory for the instance with the
// given id.
func (c *Config) InstanceDir(id string) string {
	return filepath.Join(c.DataRoot, "instances", id)
}

// InstanceLogPath returns the log file for the instance on the given
// port. Logs are keyed by port so operators can find them without
// consulting the registry.
func (c *Config) InstanceLogPath(port int) string {
	return filepath.Join(c.DataRoot, "logs", fmt.Sprintf("instance-%d.log", port))
}

// RegistryLockPath returns the flock sibling of the registry file.
func (c *Config) RegistryLockPath() string {
	return c.RegistryPath + ".lock"
}
