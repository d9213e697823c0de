// Package registry persists the set of live instances across manager
// restarts.
//
// The registry is a single JSON document mapping ports to instance
// records. Every access goes through an OS file lock (a flock sibling
// of the registry file), because independent CLI invocations mutate
// the same file concurrently: exclusive for writes, shared for reads.
//
// Readers must tolerate stale entries — a process can exit out-of-band
// at any time — and self-heal by removing them on detection, which is
// what Reconcile does with a caller-supplied liveness check.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// Registry provides load/save access to the durable instance records.
// Methods are safe for use by concurrent processes; within a process
// each method acquires the file lock for its full duration, so no
// additional synchronization is needed.
type Registry struct {
	// path is the registry JSON file.
	path string

	// lock guards the registry file across processes.
	lock *flock.Flock
}

// New creates a Registry backed by the given file, locking through
// lockPath. Neither file needs to exist yet; the parent directory is
// created on first save.
func New(path, lockPath string) *Registry {
	return &Registry{
		path: path,
		lock: flock.New(lockPath),
	}
}

// load reads and decodes the registry file. A missing file is an empty
// registry, not an error — first use and post-teardown states look the
// same. The caller must hold the lock.
func (r *Registry) load() (map[int]*model.Instance, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]*model.Instance{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read registry %s", r.path)
	}

	// An empty file can be left behind by an interrupted first save.
	// Treat it like a missing file rather than failing every command.
	if len(data) == 0 {
		return map[int]*model.Instance{}, nil
	}

	var records map[int]*model.Instance
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "failed to parse registry %s", r.path)
	}
	return records, nil
}

// save encodes and writes the registry file via a rename, so readers
// never observe a partially written document. The caller must hold the
// lock exclusively.
func (r *Registry) save(records map[int]*model.Instance) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create registry directory for %s", r.path)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode registry")
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write registry %s", tmp)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.Wrapf(err, "failed to replace registry %s", r.path)
	}
	return nil
}

// Put inserts or replaces the record for inst.Port. This is called
// immediately after the OS reports a pid, so a crash between spawn and
// readiness still leaves a record to clean up on the next run.
func (r *Registry) Put(inst *model.Instance) error {
	if err := r.lock.Lock(); err != nil {
		return errors.Wrap(err, "failed to lock registry")
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.load()
	if err != nil {
		return err
	}
	records[inst.Port] = inst
	return r.save(records)
}

// Remove deletes the record for port. Removing an absent port is a
// no-op success, keeping terminate idempotent.
func (r *Registry) Remove(port int) error {
	if err := r.lock.Lock(); err != nil {
		return errors.Wrap(err, "failed to lock registry")
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.load()
	if err != nil {
		return err
	}
	if _, exists := records[port]; !exists {
		return nil
	}
	delete(records, port)
	return r.save(records)
}

// Get returns the record for port, or nil if the port is not tracked.
func (r *Registry) Get(port int) (*model.Instance, error) {
	if err := r.lock.RLock(); err != nil {
		return nil, errors.Wrap(err, "failed to lock registry")
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.load()
	if err != nil {
		return nil, err
	}
	return records[port], nil
}

// List returns all records sorted by port for stable CLI output.
func (r *Registry) List() ([]*model.Instance, error) {
	if err := r.lock.RLock(); err != nil {
		return nil, errors.Wrap(err, "failed to lock registry")
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.load()
	if err != nil {
		return nil, err
	}

	instances := make([]*model.Instance, 0, len(records))
	for _, inst := range records {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Port < instances[j].Port
	})
	return instances, nil
}

// Reconcile compares the registry to the actually live processes and
// drops records whose process is gone. This makes crash recovery a
// deliberate step rather than trusting file presence: the manager calls
// it at startup-sensitive points (list, health, stop-all) with a
// liveness predicate.
//
// Returns the surviving records sorted by port.
func (r *Registry) Reconcile(isAlive func(*model.Instance) bool) ([]*model.Instance, error) {
	if err := r.lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "failed to lock registry")
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.load()
	if err != nil {
		return nil, err
	}

	changed := false
	for port, inst := range records {
		if !isAlive(inst) {
			logrus.WithFields(logrus.Fields{
				"port": port,
				"pid":  inst.PID,
			}).Warn("dropping stale registry entry, process is gone")
			delete(records, port)
			changed = true
		}
	}

	if changed {
		if err := r.save(records); err != nil {
			return nil, err
		}
	}

	instances := make([]*model.Instance, 0, len(records))
	for _, inst := range records {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Port < instances[j].Port
	})
	return instances, nil
}

// UpdateState transitions the record for port to the given state, if
// the record still exists. Missing records are ignored: the instance
// may have been stopped by a concurrent invocation.
func (r *Registry) UpdateState(port int, state model.InstanceState) error {
	if err := r.lock.Lock(); err != nil {
		return errors.Wrap(err, "failed to lock registry")
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.load()
	if err != nil {
		return err
	}
	inst, exists := records[port]
	if !exists {
		return nil
	}
	inst.State = state
	return r.save(records)
}
