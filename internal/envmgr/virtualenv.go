package envmgr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dreamware/pipcast/internal/descriptor"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Virtualenv manages a virtualenv directory with pip. The environment is
// created on first use.
type Virtualenv struct {
	dir     string
	python  string
	binPath string
	run     Runner

	mu      sync.Mutex
	created bool
}

// Option configures a Virtualenv.
type Option func(*Virtualenv)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(v *Virtualenv) { v.run = r }
}

// NewVirtualenv returns a manager for the environment at dir, created with
// `binPath -p python dir`.
func NewVirtualenv(dir, python, binPath string, opts ...Option) *Virtualenv {
	v := &Virtualenv{dir: dir, python: python, binPath: binPath, run: ExecRunner}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Dir returns the environment directory.
func (v *Virtualenv) Dir() string { return v.dir }

func (v *Virtualenv) pip() string {
	return filepath.Join(v.dir, "bin", "pip")
}

// ensure creates the environment unless its pip already exists.
func (v *Virtualenv) ensure(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.created {
		return nil
	}
	if _, err := os.Stat(v.pip()); err == nil {
		v.created = true
		return nil
	}
	if out, err := v.run(ctx, v.binPath, "-p", v.python, v.dir); err != nil {
		return fmt.Errorf("create virtualenv %s: %w: %s", v.dir, err, strings.TrimSpace(string(out)))
	}
	v.created = true
	return nil
}

func (v *Virtualenv) Install(ctx context.Context, d descriptor.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := v.ensure(ctx); err != nil {
		return err
	}
	args := []string{"install", d.Requirement()}
	if d.Repository != "" {
		args = append(args, "--index-url", d.Repository)
	}
	if out, err := v.run(ctx, v.pip(), args...); err != nil {
		return fmt.Errorf("pip install %s: %w: %s", d.Requirement(), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (v *Virtualenv) Uninstall(ctx context.Context, name string) error {
	if !descriptor.ValidName(name) {
		return fmt.Errorf("%w: invalid package name %q", descriptor.ErrMalformed, name)
	}
	if err := v.ensure(ctx); err != nil {
		return err
	}
	if out, err := v.run(ctx, v.pip(), "uninstall", "-y", name); err != nil {
		return fmt.Errorf("pip uninstall %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (v *Virtualenv) ListInstalled(ctx context.Context) ([]Package, error) {
	if err := v.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := v.run(ctx, v.pip(), "list", "--format=freeze")
	if err != nil {
		return nil, fmt.Errorf("pip list: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return ParseFreeze(string(out)), nil
}
