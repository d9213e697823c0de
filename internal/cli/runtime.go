// Package cli — runtime.go wires the domain components for one command
// invocation.
//
// Every command runs in a fresh process, so the wiring is rebuilt each
// time: config is loaded, the launcher matching the configured mode is
// constructed, and the supervisor reattaches to running instances via
// the on-disk registry.
package cli

import (
	"errors"
	"fmt"

	"github.com/shinji-kodama/debugfleet/internal/browser"
	"github.com/shinji-kodama/debugfleet/internal/config"
	"github.com/shinji-kodama/debugfleet/internal/devtools"
	"github.com/shinji-kodama/debugfleet/internal/health"
	"github.com/shinji-kodama/debugfleet/internal/model"
	"github.com/shinji-kodama/debugfleet/internal/port"
	"github.com/shinji-kodama/debugfleet/internal/registry"
	"github.com/shinji-kodama/debugfleet/internal/route"
)

// runtime bundles the wired domain components for one invocation.
type runtime struct {
	cfg   *config.Config
	reg   *registry.Registry
	sup   *browser.Supervisor
	gen   *route.Generator
	alloc *port.Allocator
	agg   *health.Aggregator
}

// newRuntime loads the config and wires everything behind it.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var launcher browser.Launcher
	switch cfg.Launcher {
	case config.LauncherDocker:
		launcher, err = browser.NewDockerLauncher(cfg.BrowserImage)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError,
				"failed to connect to the Docker daemon", err)
		}
	default:
		launcher = browser.NewExecLauncher(cfg.BrowserBinary, cfg.DataRoot)
	}

	reg := registry.New(cfg.RegistryPath, cfg.RegistryLockPath())
	sup := browser.NewSupervisor(cfg, launcher, reg, devtools.NewClient())

	return &runtime{
		cfg:   cfg,
		reg:   reg,
		sup:   sup,
		gen:   route.NewGenerator(cfg.Proxy, route.ExecRunner{}),
		alloc: port.NewAllocator(port.NewScanner()),
		agg:   health.NewAggregator(cfg, reg, sup),
	}, nil
}

// routeError maps route package sentinels onto their taxonomy exit
// codes so scripts can distinguish a rejected candidate from other
// failures.
func routeError(err error, portNum int) error {
	switch {
	case errors.Is(err, route.ErrValidationFailed):
		return model.WrapCLIError(model.ExitValidationFailed,
			fmt.Sprintf("proxy rejected the route config for port %d", portNum), err)
	case errors.Is(err, route.ErrTemplateMissing):
		return model.WrapCLIError(model.ExitConfigError,
			"route template file not found", err)
	default:
		return model.WrapCLIError(model.ExitGeneralError,
			fmt.Sprintf("route operation failed for port %d", portNum), err)
	}
}
