package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/envmgr"
)

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// Op names an environment mutation.
type Op string

const (
	OpInstall   Op = "install"
	OpUninstall Op = "uninstall"
)

// EnvAction is one environment mutation pushed to a worker. Install
// actions carry the full descriptor, uninstall actions only the name.
type EnvAction struct {
	ID         string                `json:"id"`
	Op         Op                    `json:"op"`
	Descriptor descriptor.Descriptor `json:"descriptor"`
}

// Install builds an install action for d.
func Install(id string, d descriptor.Descriptor) EnvAction {
	return EnvAction{ID: id, Op: OpInstall, Descriptor: d}
}

// Uninstall builds an uninstall action for name.
func Uninstall(id, name string) EnvAction {
	return EnvAction{ID: id, Op: OpUninstall, Descriptor: descriptor.Descriptor{Name: name}}
}

// Package returns the name the action applies to.
func (a EnvAction) Package() string { return a.Descriptor.Name }

func (a EnvAction) String() string {
	if a.Op == OpInstall {
		return fmt.Sprintf("%s %s", a.Op, descriptor.Format(a.Descriptor))
	}
	return fmt.Sprintf("%s %s", a.Op, a.Descriptor.Name)
}

// Validate checks the action shape before it is applied.
func (a EnvAction) Validate() error {
	switch a.Op {
	case OpInstall:
		return a.Descriptor.Validate()
	case OpUninstall:
		if !descriptor.ValidName(a.Descriptor.Name) {
			return fmt.Errorf("%w: invalid package name %q", descriptor.ErrMalformed, a.Descriptor.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown op %q", a.Op)
	}
}

// ListResponse is the body of a worker's GET /env/list.
type ListResponse struct {
	NodeID   string           `json:"node_id"`
	Packages []envmgr.Package `json:"packages"`
}

// ErrorResponse is the JSON error body used by coordinator and nodes.
// Code and Failures are only set by the coordinator API.
type ErrorResponse struct {
	Error    string    `json:"error"`
	Code     string    `json:"code,omitempty"`
	Failures []Failure `json:"failures,omitempty"`
}

// Failure is one target that did not apply an action.
type Failure struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// Client issues the JSON calls used between coordinator, nodes and CLI.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a Client whose requests time out after timeout. Zero
// means no client-side timeout; callers then bound calls with a context.
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

var defaultClient = NewClient(5 * time.Second)

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return defaultClient.PostJSON(ctx, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return defaultClient.GetJSON(ctx, url, out)
}

func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	return c.do(ctx, http.MethodPost, url, body, out)
}

func (c *Client) PutJSON(ctx context.Context, url string, body any, out any) error {
	return c.do(ctx, http.MethodPut, url, body, out)
}

func (c *Client) DeleteJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodDelete, url, nil, out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

// StatusError is returned for non-2xx responses. Message holds the
// error text from the body when there is one.
type StatusError struct {
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode, Message: readError(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var e ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}
