package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shinji-kodama/debugfleet/internal/config"
	"github.com/shinji-kodama/debugfleet/internal/devtools"
	"github.com/shinji-kodama/debugfleet/internal/model"
	"github.com/shinji-kodama/debugfleet/internal/port"
	"github.com/shinji-kodama/debugfleet/internal/registry"
)

// auxProbeTimeout bounds the optional auxiliary health endpoint probe.
const auxProbeTimeout = 2 * time.Second

// Liveness answers whether an instance's process still exists.
// Satisfied by *browser.Supervisor.
type Liveness interface {
	Alive(ctx context.Context, inst *model.Instance) bool
}

// Aggregator discovers active instances and probes each one, plus its
// proxy route, at four ordered tiers. Results are ephemeral; nothing
// here is persisted.
type Aggregator struct {
	cfg      *config.Config
	reg      *registry.Registry
	liveness Liveness
	scanner  *port.Scanner
	client   *devtools.Client
	httpc    *http.Client
}

// NewAggregator wires an Aggregator from its collaborators.
func NewAggregator(cfg *config.Config, reg *registry.Registry, liveness Liveness) *Aggregator {
	return &Aggregator{
		cfg:      cfg,
		reg:      reg,
		liveness: liveness,
		scanner:  port.NewScanner(),
		client:   devtools.NewClient(),
		httpc:    &http.Client{Timeout: auxProbeTimeout},
	}
}

// Discover returns the ports worth probing, ascending. The configured
// range is scanned exhaustively over the hot sub-range at its start
// and sampled every ScanStride-th port beyond it, so the result is
// approximate over large ranges. A scanned port counts as discovered
// when it accepts connections and answers the readiness probe.
// Registry ports are always included, even outside sampled positions
// and even when dead, so a stale entry surfaces as a probe failure
// instead of disappearing from the report.
func (a *Aggregator) Discover(ctx context.Context) ([]int, error) {
	found := make(map[int]bool)

	hotEnd := a.cfg.PortRangeStart + a.cfg.HotRange - 1
	if hotEnd > a.cfg.PortRangeEnd {
		hotEnd = a.cfg.PortRangeEnd
	}

	for p := a.cfg.PortRangeStart; p <= hotEnd; p++ {
		if a.answering(ctx, p) {
			found[p] = true
		}
	}
	for p := hotEnd + 1; p <= a.cfg.PortRangeEnd; p += a.cfg.ScanStride {
		if a.answering(ctx, p) {
			found[p] = true
		}
	}

	instances, err := a.reg.List()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to read instance registry", err)
	}
	for _, inst := range instances {
		found[inst.Port] = true
	}

	ports := make([]int, 0, len(found))
	for p := range found {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	logrus.WithFields(logrus.Fields{
		"range":      fmt.Sprintf("%d-%d", a.cfg.PortRangeStart, a.cfg.PortRangeEnd),
		"hotEnd":     hotEnd,
		"discovered": len(ports),
	}).Debug("discovery scan complete")

	return ports, nil
}

// answering reports whether the port accepts connections and speaks
// the debugging protocol.
func (a *Aggregator) answering(ctx context.Context, p int) bool {
	return a.scanner.IsPortListening(p) && a.client.Ready(ctx, p)
}

// Probe runs the four check tiers against one port. Tiers are ordered
// by prerequisite: a fail halts the remaining tiers, so a dead process
// reports one failure instead of four.
func (a *Aggregator) Probe(ctx context.Context, portNum int) model.PortHealth {
	ph := model.PortHealth{Port: portNum}

	// Tier 1: process-alive.
	inst, err := a.reg.Get(portNum)
	switch {
	case err != nil:
		ph.Checks = append(ph.Checks, model.CheckResult{
			Name:   model.CheckProcessAlive,
			Status: model.CheckFail,
			Detail: fmt.Sprintf("registry read failed: %v", err),
		})
		return ph
	case inst == nil:
		ph.Checks = append(ph.Checks, model.CheckResult{
			Name:   model.CheckProcessAlive,
			Status: model.CheckFail,
			Detail: "port answers but is not tracked in the registry (orphan?)",
		})
		return ph
	case !a.liveness.Alive(ctx, inst):
		ph.Checks = append(ph.Checks, model.CheckResult{
			Name:   model.CheckProcessAlive,
			Status: model.CheckFail,
			Detail: fmt.Sprintf("process pid %d no longer exists", inst.PID),
		})
		return ph
	}
	ph.Checks = append(ph.Checks, model.CheckResult{
		Name:   model.CheckProcessAlive,
		Status: model.CheckPass,
	})

	// Tier 2: port-reachable.
	if !a.scanner.IsPortListening(portNum) {
		ph.Checks = append(ph.Checks, model.CheckResult{
			Name:   model.CheckPortReachable,
			Status: model.CheckFail,
			Detail: fmt.Sprintf("connect to 127.0.0.1:%d refused or timed out", portNum),
		})
		return ph
	}
	ph.Checks = append(ph.Checks, model.CheckResult{
		Name:   model.CheckPortReachable,
		Status: model.CheckPass,
	})

	// Tier 3: protocol-endpoints. Both required endpoints must answer
	// with success.
	if _, err := a.client.Version(ctx, portNum); err != nil {
		ph.Checks = append(ph.Checks, model.CheckResult{
			Name:   model.CheckProtocol,
			Status: model.CheckFail,
			Detail: fmt.Sprintf("version endpoint: %v", err),
		})
		return ph
	}
	if _, err := a.client.Targets(ctx, portNum); err != nil {
		ph.Checks = append(ph.Checks, model.CheckResult{
			Name:   model.CheckProtocol,
			Status: model.CheckFail,
			Detail: fmt.Sprintf("target list endpoint: %v", err),
		})
		return ph
	}
	ph.Checks = append(ph.Checks, model.CheckResult{
		Name:   model.CheckProtocol,
		Status: model.CheckPass,
	})

	// Tier 4: proxy-route. The same two endpoints through the proxy,
	// plus the optional auxiliary health endpoint whose absence is a
	// warn, not a fail.
	ph.Checks = append(ph.Checks, a.probeRoute(ctx, portNum))
	return ph
}

// probeRoute checks the generated route end to end through the proxy.
func (a *Aggregator) probeRoute(ctx context.Context, portNum int) model.CheckResult {
	base := fmt.Sprintf("%s/debug/%d", strings.TrimRight(a.cfg.Proxy.BaseURL, "/"), portNum)

	if _, err := a.client.VersionAt(ctx, base); err != nil {
		return model.CheckResult{
			Name:   model.CheckProxyRoute,
			Status: model.CheckFail,
			Detail: fmt.Sprintf("version via route %s: %v", base, err),
		}
	}
	if _, err := a.client.TargetsAt(ctx, base); err != nil {
		return model.CheckResult{
			Name:   model.CheckProxyRoute,
			Status: model.CheckFail,
			Detail: fmt.Sprintf("target list via route %s: %v", base, err),
		}
	}

	if a.cfg.Proxy.HealthPath != "" {
		if detail, ok := a.auxHealthy(ctx); !ok {
			return model.CheckResult{
				Name:   model.CheckProxyRoute,
				Status: model.CheckWarn,
				Detail: detail,
			}
		}
	}

	return model.CheckResult{Name: model.CheckProxyRoute, Status: model.CheckPass}
}

// auxHealthy probes the proxy's auxiliary health endpoint. Returns ok
// and, when not ok, a warn detail.
func (a *Aggregator) auxHealthy(ctx context.Context) (string, bool) {
	url := strings.TrimRight(a.cfg.Proxy.BaseURL, "/") + a.cfg.Proxy.HealthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("auxiliary health endpoint %s: %v", url, err), false
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Sprintf("auxiliary health endpoint %s unreachable: %v", url, err), false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("auxiliary health endpoint %s returned %d", url, resp.StatusCode), false
	}
	return "", true
}

// ProbeAll probes every given port and aggregates the results into a
// snapshot. Zero ports is a fleet-level warn (idle, not broken), so
// the overall state is degraded rather than unhealthy or healthy.
func (a *Aggregator) ProbeAll(ctx context.Context, ports []int) *model.HealthSnapshot {
	snapshot := &model.HealthSnapshot{}

	for _, p := range ports {
		snapshot.Ports = append(snapshot.Ports, a.Probe(ctx, p))
	}
	if len(ports) == 0 {
		snapshot.Warnings = append(snapshot.Warnings, "no instances discovered in the configured port range")
	}

	snapshot.Aggregate()
	return snapshot
}
