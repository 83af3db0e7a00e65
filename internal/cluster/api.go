package cluster

import "github.com/dreamware/pipcast/internal/descriptor"

// Coordinator API bodies, shared by the coordinator and pipcastctl.

// InstallRequest is the body of POST /packages. The fields are untyped so
// that non-string input reaches the installer and is rejected there.
type InstallRequest struct {
	Package    any `json:"package"`
	Repository any `json:"repository,omitempty"`
}

// PackageResponse is returned by POST /packages.
type PackageResponse struct {
	Package descriptor.Descriptor `json:"package"`
	Spec    string                `json:"spec"`
}

// PackagesResponse is returned by GET /packages.
type PackagesResponse struct {
	Packages []descriptor.Descriptor `json:"packages"`
}

// UninstallResponse is returned by DELETE /packages/{name}. Warning is set
// when some targets did not uninstall.
type UninstallResponse struct {
	Name     string    `json:"name"`
	Warning  string    `json:"warning,omitempty"`
	Failures []Failure `json:"failures,omitempty"`
}

// NodesResponse is returned by GET /nodes.
type NodesResponse struct {
	Nodes  []NodeInfo        `json:"nodes"`
	Health map[string]string `json:"health,omitempty"`
}

// ConfigEntry is the body of GET and PUT /config/{key}.
type ConfigEntry struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// ConfigKeys is returned by GET /config.
type ConfigKeys struct {
	Keys []string `json:"keys"`
}
