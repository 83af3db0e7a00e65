package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/pipcast/internal/broadcast"
	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/config"
	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/envmgr"
	"github.com/dreamware/pipcast/internal/keylock"
	"github.com/dreamware/pipcast/internal/registry"
	"github.com/dreamware/pipcast/internal/storage"
)

// State is the phase an install or uninstall request is in.
type State string

const (
	StateIdle        State = "idle"
	StateValidating  State = "validating"
	StateMutating    State = "mutating"
	StatePropagating State = "propagating"
	StateCommitted   State = "committed"
	StateRolledBack  State = "rolled_back"
)

// Installer installs, uninstalls and lists packages across the cluster.
//
// The installation mode is read from the session store on every call, so
// toggling pipcast.virtualenv.enabled takes effect on the next request.
// The registry is likewise read and written through the store on every
// mutation.
//
// Request flow for an install:
//
//	Validating ──► Mutating ──► Propagating ──► Committed
//	   │              │              │
//	   ▼              ▼              ▼
//	 error     ErrDuplicatePackage  RolledBack (*InstallError)
//
// Propagation records the install as a standing action first, then
// installs in the driver's environment (if any), then on every attached
// worker in parallel. A worker that attaches at any point from the first
// step onward replays the standing action before it is attached.
//
// Thread Safety:
// Calls for the same package name, compared in canonical form, are
// serialized. Calls for different names run concurrently.
type Installer struct {
	store    storage.Store
	registry *registry.Registry
	channel  *broadcast.Channel
	local    envmgr.Manager
	logger   *zap.Logger
	newID    func() string
	locks    keylock.Map
}

// Option configures an Installer.
type Option func(*Installer)

// WithLocalManager makes the driver's own environment a propagation
// target. Without it the driver only coordinates workers.
func WithLocalManager(m envmgr.Manager) Option {
	return func(i *Installer) { i.local = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Installer) { i.logger = l }
}

// WithIDGenerator replaces the action ID source.
func WithIDGenerator(f func() string) Option {
	return func(i *Installer) { i.newID = f }
}

// NewInstaller returns an Installer tracking packages in store and
// propagating through channel.
func NewInstaller(store storage.Store, channel *broadcast.Channel, opts ...Option) *Installer {
	i := &Installer{
		store:    store,
		registry: registry.New(store),
		channel:  channel,
		logger:   zap.NewNop(),
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Registry returns the descriptor registry the installer maintains.
func (i *Installer) Registry() *registry.Registry { return i.registry }

// InstallPackage installs spec (name or name==version) on the driver and
// every current and future worker. repository is optional; when empty the
// configured default repository, if any, is used.
//
// On a propagation failure the registry entry is removed, the standing
// action is withdrawn and an *InstallError is returned. Targets that did
// install the package keep it.
func (i *Installer) InstallPackage(ctx context.Context, spec, repository string) (descriptor.Descriptor, error) {
	mode, err := i.enabledMode(ctx)
	if err != nil {
		return descriptor.Descriptor{}, err
	}
	if repository == "" {
		repository = mode.DefaultRepository
	}
	if err := validateInstall(spec, repository); err != nil {
		return descriptor.Descriptor{}, err
	}
	d, err := ParseDescriptor(spec, repository)
	if err != nil {
		return descriptor.Descriptor{}, err
	}

	unlock := i.locks.Lock(descriptor.CanonicalName(d.Name))
	defer unlock()

	log := i.logger.With(zap.String("package", descriptor.Format(d)))
	if err := i.registry.Add(ctx, d); err != nil {
		log.Info("install rejected", zap.String("state", string(StateMutating)), zap.Error(err))
		return descriptor.Descriptor{}, err
	}

	log.Info("installing", zap.String("state", string(StatePropagating)))
	action := cluster.Install(i.newID(), d)
	failures := i.propagate(ctx, action)
	if len(failures) == 0 {
		log.Info("installed", zap.String("state", string(StateCommitted)))
		return d, nil
	}

	i.channel.Withdraw(action.ID)
	if _, err := i.registry.Remove(ctx, d.Name); err != nil {
		log.Error("rollback of registry entry failed", zap.Error(err))
	}
	log.Warn("install rolled back",
		zap.String("state", string(StateRolledBack)),
		zap.Int("failed_targets", len(failures)))
	return descriptor.Descriptor{}, &InstallError{Descriptor: d, Failures: failures}
}

// UninstallPackage stops tracking name and uninstalls it on the driver and
// every current and future worker.
//
// Failures on individual targets do not restore the registry entry; they
// are reported as a *PartialUninstallError, for which IsWarning is true.
func (i *Installer) UninstallPackage(ctx context.Context, name string) error {
	if _, err := i.enabledMode(ctx); err != nil {
		return err
	}
	if !descriptor.ValidName(name) {
		return fmt.Errorf("%w: unsafe package name %q", ErrInvalidArgument, name)
	}

	unlock := i.locks.Lock(descriptor.CanonicalName(name))
	defer unlock()

	log := i.logger.With(zap.String("package", name))
	if _, err := i.registry.Remove(ctx, name); err != nil {
		log.Info("uninstall rejected", zap.String("state", string(StateMutating)), zap.Error(err))
		return err
	}

	log.Info("uninstalling", zap.String("state", string(StatePropagating)))
	failures := i.propagate(ctx, cluster.Uninstall(i.newID(), name))
	if len(failures) > 0 {
		log.Warn("uninstall incomplete",
			zap.String("state", string(StateCommitted)),
			zap.Int("failed_targets", len(failures)))
		return &PartialUninstallError{Name: name, Failures: failures}
	}
	log.Info("uninstalled", zap.String("state", string(StateCommitted)))
	return nil
}

// ListPackages returns the packages active in the cluster.
//
// Installed packages are read from the driver's environment, or from one
// attached worker when the driver has none. Tracked packages come first in
// registry order and keep their repository; installed packages that are
// not tracked follow, sorted by name. Tracked packages missing from the
// environment are left out.
//
// With neither a local environment nor an attached worker the registry
// contents are returned.
func (i *Installer) ListPackages(ctx context.Context) ([]descriptor.Descriptor, error) {
	if _, err := i.enabledMode(ctx); err != nil {
		return nil, err
	}
	tracked, err := i.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	var installed []envmgr.Package
	switch {
	case i.local != nil:
		installed, err = i.local.ListInstalled(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrEnvironmentQuery, DriverTarget, err)
		}
	case len(i.channel.Members()) > 0:
		var nodeID string
		nodeID, installed, err = i.channel.QueryOne(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEnvironmentQuery, err)
		}
		i.logger.Debug("listed worker environment", zap.String("node_id", nodeID))
	default:
		return tracked, nil
	}
	return merge(tracked, installed), nil
}

// ParseDescriptor combines spec and an optional repository into a
// descriptor.
func ParseDescriptor(spec, repository string) (descriptor.Descriptor, error) {
	s := spec
	if repository != "" {
		s += descriptor.RepositorySeparator + repository
	}
	return descriptor.Parse(s)
}

// AddDescriptor parses spec and repository and adds the result to the
// registry without propagating it.
func (i *Installer) AddDescriptor(ctx context.Context, spec, repository string) error {
	d, err := ParseDescriptor(spec, repository)
	if err != nil {
		return err
	}
	return i.registry.Add(ctx, d)
}

// RemoveDescriptor removes the descriptor named by spec from the registry
// without propagating. spec may carry a version or repository, only the
// name is used.
func (i *Installer) RemoveDescriptor(ctx context.Context, spec string) error {
	_, err := i.registry.Remove(ctx, descriptor.ExtractName(spec))
	return err
}

// propagate runs action everywhere and returns the targets that failed.
// Workers are not asked to install once the driver failed to.
func (i *Installer) propagate(ctx context.Context, action cluster.EnvAction) []TargetFailure {
	i.channel.RunOnEveryFutureWorker(action)

	var failures []TargetFailure
	if i.local != nil {
		if err := applyLocal(ctx, i.local, action); err != nil {
			i.logger.Warn("driver environment failed", zap.Stringer("action", action), zap.Error(err))
			failures = append(failures, TargetFailure{Target: DriverTarget, Reason: err.Error(), Err: err})
			if action.Op == cluster.OpInstall {
				return failures
			}
		}
	}
	return append(failures, workerFailures(i.channel.RunOnAllWorkers(ctx, action))...)
}

func applyLocal(ctx context.Context, m envmgr.Manager, action cluster.EnvAction) error {
	if action.Op == cluster.OpUninstall {
		return m.Uninstall(ctx, action.Package())
	}
	return m.Install(ctx, action.Descriptor)
}

func workerFailures(results []broadcast.Result) []TargetFailure {
	var out []TargetFailure
	for _, r := range broadcast.Failed(results) {
		out = append(out, TargetFailure{Target: r.NodeID, Reason: r.Err.Error(), Err: r.Err})
	}
	return out
}

func (i *Installer) enabledMode(ctx context.Context) (config.Mode, error) {
	mode, err := config.LoadMode(ctx, i.store)
	if err != nil {
		return config.Mode{}, err
	}
	if !mode.Enabled {
		return config.Mode{}, ErrFeatureDisabled
	}
	return mode, nil
}

func validateInstall(spec, repository string) error {
	if !descriptor.ValidSpec(spec) {
		return fmt.Errorf("%w: unsafe package spec %q", ErrInvalidArgument, spec)
	}
	if repository != "" && !descriptor.ValidRepository(repository) {
		return fmt.Errorf("%w: unsafe repository %q", ErrInvalidArgument, repository)
	}
	return nil
}

func merge(tracked []descriptor.Descriptor, installed []envmgr.Package) []descriptor.Descriptor {
	present := make(map[string]envmgr.Package, len(installed))
	for _, p := range installed {
		present[descriptor.CanonicalName(p.Name)] = p
	}

	out := make([]descriptor.Descriptor, 0, len(installed))
	seen := make(map[string]bool, len(tracked))
	for _, d := range tracked {
		key := descriptor.CanonicalName(d.Name)
		if _, ok := present[key]; ok {
			out = append(out, d)
			seen[key] = true
		}
	}

	var extra []descriptor.Descriptor
	for _, p := range installed {
		if !seen[descriptor.CanonicalName(p.Name)] {
			extra = append(extra, descriptor.Descriptor{Name: p.Name, Version: p.Version})
		}
	}
	sort.Slice(extra, func(a, b int) bool { return extra[a].Name < extra[b].Name })
	return append(out, extra...)
}
