package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/registry"
)

var (
	// ErrFeatureDisabled is returned by every Installer operation while
	// pipcast.virtualenv.enabled is not true.
	ErrFeatureDisabled = errors.New("package installation is disabled; set " +
		"pipcast.virtualenv.enabled=true to enable it")

	// ErrInvalidArgument marks input of the wrong type or with characters
	// outside the safe set.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInstallationFailed is wrapped by *InstallError.
	ErrInstallationFailed = errors.New("installation failed")

	// ErrPartialUninstall is wrapped by *PartialUninstallError. It is a
	// warning: the registry has already been updated.
	ErrPartialUninstall = errors.New("uninstall did not complete everywhere")

	// ErrEnvironmentQuery is returned when the installed packages cannot
	// be listed.
	ErrEnvironmentQuery = errors.New("environment query failed")

	// Registry conflicts, re-exported for callers of this package.
	ErrDuplicatePackage = registry.ErrDuplicatePackage
	ErrPackageNotFound  = registry.ErrPackageNotFound

	// ErrMalformedDescriptor is the codec's grammar error.
	ErrMalformedDescriptor = descriptor.ErrMalformed
)

// DriverTarget names the coordinator's own environment in a TargetFailure.
const DriverTarget = "driver"

// TargetFailure is one environment that did not apply an action.
type TargetFailure struct {
	// Target is a worker node ID, or DriverTarget.
	Target string `json:"target"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// InstallError reports an install that failed on at least one target and
// was rolled back.
type InstallError struct {
	Descriptor descriptor.Descriptor
	Failures   []TargetFailure
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInstallationFailed.Error(),
		descriptor.Format(e.Descriptor), joinFailures(e.Failures))
}

func (e *InstallError) Unwrap() error { return ErrInstallationFailed }

// PartialUninstallError reports an uninstall that some targets did not
// complete. The package is no longer tracked.
type PartialUninstallError struct {
	Name     string
	Failures []TargetFailure
}

func (e *PartialUninstallError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPartialUninstall.Error(), e.Name, joinFailures(e.Failures))
}

func (e *PartialUninstallError) Unwrap() error { return ErrPartialUninstall }

// IsWarning reports whether err leaves the operation's effect in place,
// so callers may treat it as success with a warning.
func IsWarning(err error) bool {
	return errors.Is(err, ErrPartialUninstall)
}

// StringArg converts a decoded request value to a string. nil and the
// empty string are both "absent"; any non-string is ErrInvalidArgument.
func StringArg(field string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, field, v)
	}
}

func joinFailures(fs []TargetFailure) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.Target + ": " + f.Reason
	}
	return strings.Join(parts, "; ")
}
