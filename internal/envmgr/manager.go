// Package envmgr performs package installs against one host's isolated
// Python environment. The installer treats a Manager as a black box.
package envmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/pipcast/internal/config"
	"github.com/dreamware/pipcast/internal/descriptor"
)

// ErrUnknownKind is returned by New for an unsupported environment type.
var ErrUnknownKind = errors.New("unknown environment type")

// Package is one entry of an environment's installed set.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Manager installs, removes and lists packages in one environment.
// Uninstalling a package that is not installed succeeds.
type Manager interface {
	Install(ctx context.Context, d descriptor.Descriptor) error
	Uninstall(ctx context.Context, name string) error
	ListInstalled(ctx context.Context) ([]Package, error)
}

// New returns the Manager for mode.Kind. dir is the environment directory
// used by the native kind.
func New(mode config.Mode, dir string) (Manager, error) {
	switch mode.Kind {
	case config.KindNative, "":
		return NewVirtualenv(dir, mode.Python, mode.BinPath), nil
	case config.KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, mode.Kind)
	}
}

// Memory is an in-process Manager. Failures can be injected per package
// name or for listing. Package names are matched in canonical form, as pip
// matches them.
type Memory struct {
	mu        sync.Mutex
	installed map[string]Package
	failOn    map[string]error
	listErr   error
	calls     []string
}

// NewMemory returns an empty Memory manager.
func NewMemory() *Memory {
	return &Memory{
		installed: make(map[string]Package),
		failOn:    make(map[string]error),
	}
}

// FailOn makes every install and uninstall of name return err. A nil err
// clears the failure.
func (m *Memory) FailOn(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, descriptor.CanonicalName(name))
		return
	}
	m.failOn[descriptor.CanonicalName(name)] = err
}

// FailList makes ListInstalled return err. A nil err clears the failure.
func (m *Memory) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// Preinstall records a package as installed without going through Install.
func (m *Memory) Preinstall(p Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed[descriptor.CanonicalName(p.Name)] = p
}

func (m *Memory) Install(_ context.Context, d descriptor.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "install "+descriptor.Format(d))
	key := descriptor.CanonicalName(d.Name)
	if err := m.failOn[key]; err != nil {
		return err
	}
	m.installed[key] = Package{Name: d.Name, Version: d.Version}
	return nil
}

func (m *Memory) Uninstall(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "uninstall "+name)
	key := descriptor.CanonicalName(name)
	if err := m.failOn[key]; err != nil {
		return err
	}
	delete(m.installed, key)
	return nil
}

func (m *Memory) ListInstalled(_ context.Context) ([]Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Package, 0, len(m.installed))
	for _, p := range m.installed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Has reports whether name is installed.
func (m *Memory) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.installed[descriptor.CanonicalName(name)]
	return ok
}

// Calls returns the install/uninstall calls seen so far, in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// ParseFreeze parses `pip list --format=freeze` output. Comments and
// editable installs are skipped, direct references keep only the name.
func ParseFreeze(out string) []Package {
	var pkgs []Package
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-e ") {
			continue
		}
		if name, _, ok := strings.Cut(line, " @ "); ok {
			// direct URL reference: name @ url
			pkgs = append(pkgs, Package{Name: strings.TrimSpace(name)})
			continue
		}
		name, version, _ := strings.Cut(line, descriptor.VersionSeparator)
		pkgs = append(pkgs, Package{Name: name, Version: version})
	}
	return pkgs
}
