package browser

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Label keys used to mark managed containers. The label set is the
// container-side process signature: discovery and sweep find managed
// instances by filtering on it, so no separate container index exists.
const (
	// LabelManagedBy identifies containers launched by this manager.
	LabelManagedBy = "debugfleet.managed-by"

	// LabelPort records the published debug port.
	LabelPort = "debugfleet.port"
)

// ManagedByValue is the constant value for LabelManagedBy.
const ManagedByValue = "debugfleet"

// DockerLauncher runs the browser image in a container with the debug
// port published to the host loopback. Containers are created with
// AutoRemove so teardown needs no separate remove step.
type DockerLauncher struct {
	cli   *client.Client
	image string
}

// NewDockerLauncher creates a launcher connected to the local Docker
// daemon. DOCKER_HOST is respected when set; otherwise the standard
// unix socket is used. API version negotiation keeps the client
// compatible across daemon versions.
func NewDockerLauncher(image string) (*DockerLauncher, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.WithHost("unix:///var/run/docker.sock"))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker client")
	}
	return &DockerLauncher{cli: cli, image: image}, nil
}

// Launch creates and starts a browser container bound to spec.Port.
// Inside the container the browser listens on all interfaces; the
// published binding restricts access to the host loopback, matching
// the exec launcher's posture.
func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	args := fixedArgs(spec)
	// The loopback-only flag applies to the host binding, not inside
	// the container namespace; override it so the published port works.
	for i, arg := range args {
		if arg == "--remote-debugging-address=127.0.0.1" {
			args[i] = "--remote-debugging-address=0.0.0.0"
		}
	}

	portKey, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid port %d", spec.Port)
	}

	created, err := l.cli.ContainerCreate(ctx,
		&container.Config{
			Image: l.image,
			Cmd:   args,
			Labels: map[string]string{
				LabelManagedBy: ManagedByValue,
				LabelPort:      strconv.Itoa(spec.Port),
			},
			ExposedPorts: nat.PortSet{portKey: struct{}{}},
		},
		&container.HostConfig{
			// AutoRemove makes the daemon delete the container on exit,
			// so the kill path doubles as cleanup.
			AutoRemove: true,
			PortBindings: nat.PortMap{
				portKey: []nat.PortBinding{{
					HostIP:   "127.0.0.1",
					HostPort: strconv.Itoa(spec.Port),
				}},
			},
			Binds: []string{spec.DataDir + ":/data"},
		},
		nil, nil, fmt.Sprintf("debugfleet-%d", spec.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create container for port %d", spec.Port)
	}

	if err := l.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, errors.Wrapf(err, "failed to start container %s", created.ID)
	}

	// Inspect for the init pid; informational for list output.
	pid := 0
	if info, inspectErr := l.cli.ContainerInspect(ctx, created.ID); inspectErr == nil && info.State != nil {
		pid = info.State.Pid
	}

	logrus.WithFields(logrus.Fields{
		"port":      spec.Port,
		"container": created.ID[:12],
	}).Debug("launched browser container")

	return &dockerHandle{cli: l.cli, id: created.ID, pid: pid}, nil
}

// Attach reconstructs a handle from the container id recorded in the
// registry.
func (l *DockerLauncher) Attach(ctx context.Context, rec AttachRecord) (Handle, error) {
	if rec.ContainerID == "" {
		return nil, fmt.Errorf("no container id recorded for port %d", rec.Port)
	}
	return &dockerHandle{cli: l.cli, id: rec.ContainerID, pid: rec.PID}, nil
}

// Sweep kills managed containers whose port label is not in known.
// AutoRemove takes care of deleting them afterwards.
func (l *DockerLauncher) Sweep(ctx context.Context, known map[int]bool) error {
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
		),
	})
	if err != nil {
		return errors.Wrap(err, "failed to list managed containers for sweep")
	}

	for _, c := range containers {
		port, _ := strconv.Atoi(c.Labels[LabelPort])
		if known[port] {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"container": c.ID[:12],
			"port":      port,
		}).Warn("sweeping orphaned browser container")
		_ = l.cli.ContainerKill(ctx, c.ID, "SIGKILL")
	}
	return nil
}

// dockerHandle is the Handle for a container-backed instance.
type dockerHandle struct {
	cli *client.Client
	id  string
	pid int
}

// PID returns the container init pid recorded at launch.
func (h *dockerHandle) PID() int {
	return h.pid
}

// ContainerID returns the backing container id (containerBacked).
func (h *dockerHandle) ContainerID() string {
	return h.id
}

// IsAlive reports whether the container is still running. A missing
// container (already auto-removed) counts as dead.
func (h *dockerHandle) IsAlive() bool {
	info, err := h.cli.ContainerInspect(context.Background(), h.id)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// Signal translates the supervisor's signals to container kill
// requests. Signaling a missing container is a no-op success.
func (h *dockerHandle) Signal(sig Signal) error {
	name := "SIGTERM"
	if sig == SignalKill {
		name = "SIGKILL"
	}
	err := h.cli.ContainerKill(context.Background(), h.id, name)
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "failed to signal container %s", h.id)
	}
	return nil
}

// Wait blocks until the container exits or the timeout elapses.
func (h *dockerHandle) Wait(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	waitCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
		return true
	case err := <-errCh:
		// A not-found error means the container already exited and was
		// auto-removed, which is the outcome we were waiting for.
		return client.IsErrNotFound(err)
	}
}
