// Package config holds the installer's session settings and the process
// configuration of the coordinator and node binaries.
package config

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dreamware/pipcast/internal/storage"
)

// Session setting keys. Values live in the session configuration store and
// may be changed at any time, so they are read on every call.
const (
	KeyEnabled           = "pipcast.virtualenv.enabled"
	KeyKind              = "pipcast.virtualenv.type"
	KeyPython            = "pipcast.python"
	KeyBinPath           = "pipcast.virtualenv.bin.path"
	KeyPackages          = "pipcast.virtualenv.packages"
	KeyDefaultRepository = "pipcast.virtualenv.default.repository"
)

// Kind selects the environment manager implementation.
type Kind string

const (
	// KindNative drives virtualenv and pip on the host.
	KindNative Kind = "native"
	// KindMemory keeps installed packages in memory. Used for tests and
	// dry runs.
	KindMemory Kind = "memory"
)

// Defaults applied when a key is absent from the store.
const (
	DefaultKind    = KindNative
	DefaultPython  = "python3"
	DefaultBinPath = "virtualenv"
)

// Mode is a snapshot of the installation settings taken at call time.
type Mode struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Kind              Kind   `json:"type" yaml:"type"`
	Python            string `json:"python" yaml:"python"`
	BinPath           string `json:"bin_path" yaml:"bin_path"`
	DefaultRepository string `json:"default_repository,omitempty" yaml:"default_repository"`
}

// LoadMode reads the current installation settings from s.
func LoadMode(ctx context.Context, s storage.Store) (Mode, error) {
	enabled, err := storage.GetDefault(ctx, s, KeyEnabled, "false")
	if err != nil {
		return Mode{}, fmt.Errorf("read %s: %w", KeyEnabled, err)
	}
	on, err := strconv.ParseBool(enabled)
	if err != nil {
		return Mode{}, fmt.Errorf("invalid %s value %q: %w", KeyEnabled, enabled, err)
	}

	m := Mode{Enabled: on}
	fields := []struct {
		key string
		def string
		dst *string
	}{
		{KeyPython, DefaultPython, &m.Python},
		{KeyBinPath, DefaultBinPath, &m.BinPath},
		{KeyDefaultRepository, "", &m.DefaultRepository},
	}
	for _, f := range fields {
		v, err := storage.GetDefault(ctx, s, f.key, f.def)
		if err != nil {
			return Mode{}, fmt.Errorf("read %s: %w", f.key, err)
		}
		*f.dst = v
	}

	kind, err := storage.GetDefault(ctx, s, KeyKind, string(DefaultKind))
	if err != nil {
		return Mode{}, fmt.Errorf("read %s: %w", KeyKind, err)
	}
	m.Kind = Kind(kind)
	return m, nil
}

// Apply writes m back to s. Used when seeding a session from process
// configuration.
func (m Mode) Apply(ctx context.Context, s storage.Store) error {
	kind := m.Kind
	if kind == "" {
		kind = DefaultKind
	}
	pairs := [][2]string{
		{KeyEnabled, strconv.FormatBool(m.Enabled)},
		{KeyKind, string(kind)},
	}
	if m.Python != "" {
		pairs = append(pairs, [2]string{KeyPython, m.Python})
	}
	if m.BinPath != "" {
		pairs = append(pairs, [2]string{KeyBinPath, m.BinPath})
	}
	if m.DefaultRepository != "" {
		pairs = append(pairs, [2]string{KeyDefaultRepository, m.DefaultRepository})
	}
	for _, p := range pairs {
		if err := s.Set(ctx, p[0], p[1]); err != nil {
			return fmt.Errorf("write %s: %w", p[0], err)
		}
	}
	return nil
}
