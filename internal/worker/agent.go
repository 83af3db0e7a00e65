package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dreamware/pipcast/internal/broadcast"
	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/envmgr"
	"github.com/dreamware/pipcast/internal/keylock"
)

// RegisterPath is the coordinator endpoint a worker announces itself on.
const RegisterPath = "/register"

// Agent applies environment actions sent by the coordinator to the
// worker's environment.
//
// Actions for the same package name are applied one at a time in arrival
// order. Actions for different names may run concurrently.
type Agent struct {
	info    cluster.NodeInfo
	manager envmgr.Manager
	logger  *zap.Logger
	locks   keylock.Map

	applied atomic.Int64
	failed  atomic.Int64
	started time.Time
}

// Info is the body of GET /info.
type Info struct {
	cluster.NodeInfo
	Applied int64     `json:"applied"`
	Failed  int64     `json:"failed"`
	Started time.Time `json:"started"`
}

// NewAgent returns an Agent for the worker described by info.
func NewAgent(info cluster.NodeInfo, manager envmgr.Manager, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		info:    info,
		manager: manager,
		logger:  logger.With(zap.String("node_id", info.ID)),
		started: time.Now(),
	}
}

// Handler returns the worker's HTTP API.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+broadcast.ApplyPath, a.handleApply)
	mux.HandleFunc("GET "+broadcast.ListPath, a.handleList)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", a.handleInfo)
	return mux
}

// Apply runs action against the environment.
func (a *Agent) Apply(ctx context.Context, action cluster.EnvAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	unlock := a.locks.Lock(descriptor.CanonicalName(action.Package()))
	defer unlock()

	start := time.Now()
	var err error
	switch action.Op {
	case cluster.OpInstall:
		err = a.manager.Install(ctx, action.Descriptor)
	case cluster.OpUninstall:
		err = a.manager.Uninstall(ctx, action.Package())
	}
	if err != nil {
		a.failed.Add(1)
		a.logger.Warn("action failed",
			zap.String("action_id", action.ID),
			zap.Stringer("action", action),
			zap.Error(err))
		return err
	}
	a.applied.Add(1)
	a.logger.Info("action applied",
		zap.String("action_id", action.ID),
		zap.Stringer("action", action),
		zap.Duration("took", time.Since(start)))
	return nil
}

// handleApply processes POST /env/apply.
//
// Response:
//   - 204 No Content: action applied
//   - 400 Bad Request: body is not a valid EnvAction
//   - 500 Internal Server Error: the environment manager failed, the
//     ErrorResponse carries its reason
func (a *Agent) handleApply(w http.ResponseWriter, r *http.Request) {
	var action cluster.EnvAction
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if err := action.Validate(); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Apply(r.Context(), action); err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleList(w http.ResponseWriter, r *http.Request) {
	pkgs, err := a.manager.ListInstalled(r.Context())
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pkgs == nil {
		pkgs = []envmgr.Package{}
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ListResponse{NodeID: a.info.ID, Packages: pkgs})
}

func (a *Agent) handleInfo(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, Info{
		NodeInfo: a.info,
		Applied:  a.applied.Load(),
		Failed:   a.failed.Load(),
		Started:  a.started,
	})
}

// Register announces info to the coordinator at coord. The coordinator
// replays every standing action on this worker before it answers, so the
// call can take as long as those installs.
//
// Failures are retried with exponential backoff until maxElapsed passes or
// ctx is done. 4xx answers other than 408 and 429 are not retried.
func Register(ctx context.Context, client *cluster.Client, coord string, info cluster.NodeInfo, maxElapsed time.Duration, logger *zap.Logger) error {
	if client == nil {
		client = cluster.NewClient(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	body := cluster.RegisterRequest{Node: info}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 400 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed

	op := func() error {
		err := client.PostJSON(ctx, coord+RegisterPath, body, nil)
		var se *cluster.StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 &&
			se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("register failed, retrying", zap.String("coordinator", coord),
			zap.Duration("retry_in", next), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	logger.Info("registered with coordinator", zap.String("coordinator", coord))
	return nil
}
