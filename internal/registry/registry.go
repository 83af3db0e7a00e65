package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/pipcast/internal/config"
	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/storage"
)

var (
	// ErrDuplicatePackage is returned by Add when a descriptor with the
	// same name is already tracked. Names are compared in canonical form
	// (see descriptor.CanonicalName); version and repository are ignored.
	ErrDuplicatePackage = errors.New("package already installed")

	// ErrPackageNotFound is returned by Remove when no descriptor with the
	// given name is tracked.
	ErrPackageNotFound = errors.New("package not installed")
)

// Registry is the ordered, duplicate-free set of package descriptors tracked
// cluster-wide.
//
// The registry keeps no parsed copy of its contents. Each call loads the
// serialized list from the session store, operates on it and, for
// mutations, writes it back before returning:
//
//	┌──────────────┐  Get(key)   ┌──────────────────────────────┐
//	│   Registry   │ ──────────► │ storage.Store                │
//	│  Add/Remove  │             │ pipcast.virtualenv.packages  │
//	│              │ ◄────────── │ "celery,arrow==0.12.1"       │
//	└──────────────┘  Set(key)   └──────────────────────────────┘
//
// Anyone inspecting or editing the stored value directly therefore sees,
// and is seen by, the registry.
//
// Thread Safety:
// mu serializes the read-modify-write cycles of one process. Writers in
// other processes sharing the same store are not coordinated.
type Registry struct {
	store storage.Store
	key   string
	mu    sync.Mutex
}

// New returns a Registry persisted under config.KeyPackages in store.
func New(store storage.Store) *Registry {
	return NewWithKey(store, config.KeyPackages)
}

// NewWithKey returns a Registry persisted under key in store.
func NewWithKey(store storage.Store, key string) *Registry {
	return &Registry{store: store, key: key}
}

// Add appends d and persists the result.
//
// Returns ErrDuplicatePackage when the name is already tracked, in which
// case the stored value is left untouched.
func (r *Registry) Add(ctx context.Context, d descriptor.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ds, err := r.load(ctx)
	if err != nil {
		return err
	}
	if indexOf(ds, d.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicatePackage, d.Name)
	}
	return r.save(ctx, append(ds, d))
}

// Remove deletes the descriptor named name without reordering the rest and
// persists the result. The removed descriptor is returned so the caller can
// put it back.
func (r *Registry) Remove(ctx context.Context, name string) (descriptor.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds, err := r.load(ctx)
	if err != nil {
		return descriptor.Descriptor{}, err
	}
	idx := indexOf(ds, name)
	if idx < 0 {
		return descriptor.Descriptor{}, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	removed := ds[idx]
	if err := r.save(ctx, slices.Delete(ds, idx, idx+1)); err != nil {
		return descriptor.Descriptor{}, err
	}
	return removed, nil
}

// Get returns the tracked descriptor named name.
func (r *Registry) Get(ctx context.Context, name string) (descriptor.Descriptor, bool, error) {
	ds, err := r.List(ctx)
	if err != nil {
		return descriptor.Descriptor{}, false, err
	}
	if idx := indexOf(ds, name); idx >= 0 {
		return ds[idx], true, nil
	}
	return descriptor.Descriptor{}, false, nil
}

// List returns the tracked descriptors in insertion order.
func (r *Registry) List(ctx context.Context) ([]descriptor.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Snapshot returns the serialized form of the registry.
func (r *Registry) Snapshot(ctx context.Context) (string, error) {
	ds, err := r.List(ctx)
	if err != nil {
		return "", err
	}
	return descriptor.FormatList(ds), nil
}

// Load replaces the registry contents with the serialized list s. The list
// must parse and must not name a package twice.
func (r *Registry) Load(ctx context.Context, s string) error {
	ds, err := descriptor.ParseList(s)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(ds))
	for _, d := range ds {
		key := descriptor.CanonicalName(d.Name)
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicatePackage, d.Name)
		}
		seen[key] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, ds)
}

func (r *Registry) load(ctx context.Context) ([]descriptor.Descriptor, error) {
	raw, err := storage.GetDefault(ctx, r.store, r.key, "")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.key, err)
	}
	ds, err := descriptor.ParseList(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.key, err)
	}
	return ds, nil
}

func (r *Registry) save(ctx context.Context, ds []descriptor.Descriptor) error {
	if err := r.store.Set(ctx, r.key, descriptor.FormatList(ds)); err != nil {
		return fmt.Errorf("write %s: %w", r.key, err)
	}
	return nil
}

func indexOf(ds []descriptor.Descriptor, name string) int {
	key := descriptor.CanonicalName(name)
	return slices.IndexFunc(ds, func(d descriptor.Descriptor) bool {
		return descriptor.CanonicalName(d.Name) == key
	})
}
