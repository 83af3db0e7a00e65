package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/pipcast/internal/broadcast"
	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/config"
	"github.com/dreamware/pipcast/internal/coordinator"
	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/storage"
)

// configPrefix restricts /config/{key} to pipcast's own settings.
const configPrefix = "pipcast."

type server struct {
	installer *coordinator.Installer
	channel   *broadcast.Channel
	store     storage.Store
	monitor   *coordinator.HealthMonitor
	logger    *zap.Logger
}

func newServer(installer *coordinator.Installer, channel *broadcast.Channel, store storage.Store,
	monitor *coordinator.HealthMonitor, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &server{installer: installer, channel: channel, store: store, monitor: monitor, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /packages", s.handleListPackages)
	mux.HandleFunc("POST /packages", s.handleInstall)
	mux.HandleFunc("DELETE /packages/{name}", s.handleUninstall)
	mux.HandleFunc("GET /config", s.handleConfigKeys)
	mux.HandleFunc("GET /config/{key}", s.handleGetConfig)
	mux.HandleFunc("PUT /config/{key}", s.handleSetConfig)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleRegister attaches a worker. The standing actions are replayed on
// it before the response is written, so a 204 means the worker is caught
// up. A replay failure answers 502 and the worker stays detached.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		cluster.WriteError(w, http.StatusBadRequest, "missing id/addr")
		return
	}
	if err := s.channel.Attach(r.Context(), req.Node); err != nil {
		cluster.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	resp := cluster.NodesResponse{Nodes: s.channel.Members()}
	if resp.Nodes == nil {
		resp.Nodes = []cluster.NodeInfo{}
	}
	if s.monitor != nil {
		resp.Health = make(map[string]string)
		for id, h := range s.monitor.GetAllNodeHealth() {
			resp.Health[id] = h.Status
		}
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.installer.ListPackages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pkgs == nil {
		pkgs = []descriptor.Descriptor{}
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.PackagesResponse{Packages: pkgs})
}

func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req cluster.InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	spec, err := coordinator.StringArg("package", req.Package)
	if err != nil {
		s.writeError(w, err)
		return
	}
	repo, err := coordinator.StringArg("repository", req.Repository)
	if err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.installer.InstallPackage(r.Context(), spec, repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusCreated, cluster.PackageResponse{Package: d, Spec: descriptor.Format(d)})
}

func (s *server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.installer.UninstallPackage(r.Context(), name)
	if err != nil && !coordinator.IsWarning(err) {
		s.writeError(w, err)
		return
	}

	resp := cluster.UninstallResponse{Name: name}
	var pe *coordinator.PartialUninstallError
	if errors.As(err, &pe) {
		resp.Warning = err.Error()
		resp.Failures = failures(pe.Failures)
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) handleConfigKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.List(r.Context())
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if keys == nil {
		keys = []string{}
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ConfigKeys{Keys: keys})
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, err := s.store.Get(r.Context(), key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		cluster.WriteError(w, http.StatusNotFound, "no such key: "+key)
		return
	}
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ConfigEntry{Key: key, Value: v})
}

// handleSetConfig stores one session setting. The package list is loaded
// through the registry so an invalid list is rejected.
func (s *server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !strings.HasPrefix(key, configPrefix) {
		cluster.WriteError(w, http.StatusBadRequest, "key must start with "+configPrefix)
		return
	}
	var entry cluster.ConfigEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}

	var err error
	if key == config.KeyPackages {
		err = s.installer.Registry().Load(r.Context(), entry.Value)
	} else {
		err = s.store.Set(r.Context(), key, entry.Value)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("setting changed", zap.String("key", key), zap.String("value", entry.Value))
	cluster.WriteJSON(w, http.StatusOK, cluster.ConfigEntry{Key: key, Value: entry.Value})
}

// writeError maps installer errors to HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	resp := cluster.ErrorResponse{Error: err.Error(), Code: code}

	var ie *coordinator.InstallError
	if errors.As(err, &ie) {
		resp.Failures = failures(ie.Failures)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	cluster.WriteJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrFeatureDisabled):
		return http.StatusConflict, "feature_disabled"
	case errors.Is(err, coordinator.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, coordinator.ErrMalformedDescriptor):
		return http.StatusBadRequest, "malformed_descriptor"
	case errors.Is(err, coordinator.ErrDuplicatePackage):
		return http.StatusConflict, "duplicate_package"
	case errors.Is(err, coordinator.ErrPackageNotFound):
		return http.StatusNotFound, "package_not_found"
	case errors.Is(err, coordinator.ErrInstallationFailed):
		return http.StatusBadGateway, "installation_failed"
	case errors.Is(err, coordinator.ErrEnvironmentQuery):
		return http.StatusBadGateway, "environment_query_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func failures(fs []coordinator.TargetFailure) []cluster.Failure {
	out := make([]cluster.Failure, len(fs))
	for i, f := range fs {
		out[i] = cluster.Failure{Target: f.Target, Reason: f.Reason}
	}
	return out
}
