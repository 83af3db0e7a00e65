// Package coordinator implements the driver side of pipcast: the Installer
// that owns the package registry and propagates environment changes to the
// cluster, and the HealthMonitor that keeps dead workers out of broadcasts.
//
// # Overview
//
// The driver is the only process that mutates the registry. Every change
// goes through the same pipeline:
//
//	┌─────────────────────────────────────────────┐
//	│                 Installer                   │
//	├─────────────────────────────────────────────┤
//	│ 1. Validating   mode enabled? input safe?   │
//	│ 2. Mutating     registry.Add / Remove       │
//	│ 3. Propagating  standing action             │
//	│                 driver environment          │
//	│                 every attached worker       │
//	│ 4. Committed or RolledBack                  │
//	└─────────────────────────────────────────────┘
//
// Validation and registry conflicts are reported before anything is sent
// to a worker. A failed install is rolled back in the registry and its
// standing action is withdrawn. Workers that did install the package are
// not asked to remove it: the package is no longer tracked, so nothing
// requests it again.
//
// A failed uninstall is a warning. The package is no longer tracked and
// the uninstall stays standing for workers that join later.
//
// # Errors
//
// Every failure is distinguishable with errors.Is:
//
//	ErrFeatureDisabled       pipcast.virtualenv.enabled is not true
//	ErrInvalidArgument       non-string or unsafe input
//	ErrMalformedDescriptor   spec does not follow the grammar
//	ErrDuplicatePackage      name already tracked
//	ErrPackageNotFound       name not tracked
//	ErrInstallationFailed    *InstallError, registry rolled back
//	ErrPartialUninstall      *PartialUninstallError, IsWarning(err) is true
//	ErrEnvironmentQuery      installed packages could not be listed
//
// # Health Monitoring
//
// HealthMonitor probes GET /health on every attached worker. After three
// consecutive failures it invokes its unhealthy callback once, which the
// coordinator binary wires to broadcast.Channel.Detach. Detached workers
// keep being probed; the first passing probe invokes the recovered
// callback, wired to broadcast.Channel.Rejoin, which replays the standing
// actions the worker missed before it takes part in broadcasts again.
package coordinator
