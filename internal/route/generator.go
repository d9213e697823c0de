package route

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shinji-kodama/debugfleet/internal/config"
	"github.com/shinji-kodama/debugfleet/internal/model"
)

var (
	// ErrTemplateMissing is returned when a configured template file
	// does not exist.
	ErrTemplateMissing = errors.New("route template missing")

	// ErrValidationFailed is returned when the proxy engine rejects the
	// configuration set with the candidate included. The previously
	// active set stays in place.
	ErrValidationFailed = errors.New("proxy config validation failed")
)

// defaultTemplate is used when no template file is configured. It
// targets an nginx include directory: one location block per port,
// with websocket upgrade headers so the protocol's socket endpoint
// works through the route.
const defaultTemplate = `# managed by debugfleet; do not edit
location /debug/{{.Port}}/ {
    proxy_pass http://127.0.0.1:{{.Port}}/;
    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header Host $host;
    proxy_read_timeout 86400s;
}
`

// templateData is what route templates render against.
type templateData struct {
	Port int
}

// Generator renders, validates, and activates per-port proxy route
// configs. Activation is fail-closed: a candidate that does not pass
// the proxy's own validation never replaces the previously valid set,
// and the proxy is never reloaded onto a known-bad configuration.
type Generator struct {
	proxy  config.ProxyConfig
	runner Runner
}

// NewGenerator creates a Generator driving the given proxy engine.
func NewGenerator(proxy config.ProxyConfig, runner Runner) *Generator {
	return &Generator{proxy: proxy, runner: runner}
}

// ConfigPath returns the deterministic route file path for a port.
// Deterministic naming means routes can be found and removed without a
// separate index.
func (g *Generator) ConfigPath(port int) string {
	return filepath.Join(g.proxy.ConfDir, fmt.Sprintf("debugfleet-%d.conf", port))
}

// Render produces the route config text for a port from the configured
// template, or the built-in one when none is configured.
func (g *Generator) Render(port int) (string, error) {
	text := defaultTemplate
	if g.proxy.TemplatePath != "" {
		data, err := os.ReadFile(g.proxy.TemplatePath)
		if err != nil {
			if os.IsNotExist(err) {
				return "", errors.Wrapf(ErrTemplateMissing, "template %q", g.proxy.TemplatePath)
			}
			return "", errors.Wrapf(err, "failed to read template %q", g.proxy.TemplatePath)
		}
		text = string(data)
	}

	tmpl, err := template.New("route").Parse(text)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse route template")
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, templateData{Port: port}); err != nil {
		return "", errors.Wrap(err, "failed to render route template")
	}
	return buf.String(), nil
}

// Activate renders the route for port, places it as a candidate, and
// validates the proxy's full configuration set with it included. Only
// a passing validation triggers the hot reload. On a failing
// validation the candidate is withdrawn — restoring any previously
// active file for the same port — and ErrValidationFailed is returned.
// Other ports' files are never touched.
func (g *Generator) Activate(ctx context.Context, port int) (*model.RouteRecord, error) {
	rendered, err := g.Render(port)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(g.proxy.ConfDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create proxy conf dir %q", g.proxy.ConfDir)
	}

	path := g.ConfigPath(port)

	// Keep the previous content for this port around: it was part of
	// the last valid set and must come back if the candidate fails.
	previous, hadPrevious, err := readIfExists(path)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to write route config %q", path)
	}

	if out, err := g.runner.Run(ctx, g.proxy.ValidateCmd); err != nil {
		g.withdraw(path, previous, hadPrevious)
		return nil, errors.Wrapf(ErrValidationFailed, "port %d: %s", port, firstLine(out))
	}

	if out, err := g.runner.Run(ctx, g.proxy.ReloadCmd); err != nil {
		// Validation passed, so the set on disk is good; the reload
		// failure is an engine problem, not a config problem.
		return nil, errors.Wrapf(err, "proxy reload failed for port %d: %s", port, firstLine(out))
	}

	logrus.WithFields(logrus.Fields{
		"port": port,
		"path": path,
	}).Info("route activated")

	return &model.RouteRecord{Port: port, ConfigPath: path, Active: true}, nil
}

// Deactivate removes the route file for port, re-validates the
// remaining set, and reloads. An already-inactive route is a no-op
// success. If re-validation unexpectedly fails, the removed file is
// restored and the failure surfaced — the proxy keeps serving the last
// valid set either way.
func (g *Generator) Deactivate(ctx context.Context, port int) error {
	path := g.ConfigPath(port)

	removed, existed, err := readIfExists(path)
	if err != nil {
		return err
	}
	if !existed {
		logrus.WithField("port", port).Debug("route already inactive")
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "failed to remove route config %q", path)
	}

	if out, err := g.runner.Run(ctx, g.proxy.ValidateCmd); err != nil {
		// The remaining set should have been valid. Put the file back
		// so the on-disk set matches what the proxy is running.
		if restoreErr := os.WriteFile(path, []byte(removed), 0o644); restoreErr != nil {
			logrus.WithField("port", port).WithError(restoreErr).Error("rollback of route config failed")
		}
		return errors.Wrapf(ErrValidationFailed,
			"re-validation after removing port %d failed, route restored: %s", port, firstLine(out))
	}

	if out, err := g.runner.Run(ctx, g.proxy.ReloadCmd); err != nil {
		return errors.Wrapf(err, "proxy reload failed after deactivating port %d: %s", port, firstLine(out))
	}

	logrus.WithField("port", port).Info("route deactivated")
	return nil
}

// ActivePorts lists the ports with a route file present, ascending.
// The file set is the source of truth; there is no separate index.
func (g *Generator) ActivePorts() ([]int, error) {
	entries, err := os.ReadDir(g.proxy.ConfDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read proxy conf dir %q", g.proxy.ConfDir)
	}

	var ports []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "debugfleet-") || !strings.HasSuffix(name, ".conf") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, "debugfleet-"), ".conf")
		port, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports, nil
}

// withdraw undoes a candidate write: restores the previous content if
// there was any, otherwise removes the file.
func (g *Generator) withdraw(path, previous string, hadPrevious bool) {
	if hadPrevious {
		if err := os.WriteFile(path, []byte(previous), 0o644); err != nil {
			logrus.WithField("path", path).WithError(err).Error("failed to restore previous route config")
		}
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithField("path", path).WithError(err).Error("failed to remove candidate route config")
	}
}

// readIfExists returns the file content and whether it existed.
func readIfExists(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "failed to read %q", path)
	}
	return string(data), true, nil
}

// firstLine trims command output down to its first non-empty line for
// error messages; validate output can be pages long.
func firstLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return "(no output)"
}
