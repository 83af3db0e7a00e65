package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/descriptor"
)

// fakeCoordinator answers the coordinator API from canned state
type fakeCoordinator struct {
	installs []cluster.InstallRequest
	settings map[string]string
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /packages", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.InstallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.installs = append(f.installs, req)
		spec, _ := req.Package.(string)
		if spec == "celery" {
			cluster.WriteJSON(w, http.StatusConflict, cluster.ErrorResponse{
				Error: "package already installed: celery", Code: "duplicate_package"})
			return
		}
		d, _ := descriptor.Parse(spec)
		if repo, ok := req.Repository.(string); ok {
			d.Repository = repo
		}
		cluster.WriteJSON(w, http.StatusCreated, cluster.PackageResponse{Package: d, Spec: descriptor.Format(d)})
	})
	mux.HandleFunc("GET /packages", func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, cluster.PackagesResponse{Packages: []descriptor.Descriptor{
			{Name: "arrow", Version: "0.12.1"},
			{Name: "mylib", Repository: "https://pypi.internal/simple"},
		}})
	})
	mux.HandleFunc("DELETE /packages/{name}", func(w http.ResponseWriter, r *http.Request) {
		resp := cluster.UninstallResponse{Name: r.PathValue("name")}
		if resp.Name == "flaky" {
			resp.Warning = "uninstall did not complete everywhere: flaky: node-2: timeout"
		}
		cluster.WriteJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("GET /nodes", func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, cluster.NodesResponse{
			Nodes:  []cluster.NodeInfo{{ID: "node-1", Addr: "http://10.0.0.1:8081"}, {ID: "node-2", Addr: "http://10.0.0.2:8081"}},
			Health: map[string]string{"node-1": "healthy"},
		})
	})
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, _ *http.Request) {
		keys := make([]string, 0, len(f.settings))
		for k := range f.settings {
			keys = append(keys, k)
		}
		cluster.WriteJSON(w, http.StatusOK, cluster.ConfigKeys{Keys: keys})
	})
	mux.HandleFunc("GET /config/{key}", func(w http.ResponseWriter, r *http.Request) {
		v, ok := f.settings[r.PathValue("key")]
		if !ok {
			cluster.WriteError(w, http.StatusNotFound, "no such key: "+r.PathValue("key"))
			return
		}
		cluster.WriteJSON(w, http.StatusOK, cluster.ConfigEntry{Key: r.PathValue("key"), Value: v})
	})
	mux.HandleFunc("PUT /config/{key}", func(w http.ResponseWriter, r *http.Request) {
		var e cluster.ConfigEntry
		_ = json.NewDecoder(r.Body).Decode(&e)
		f.settings[r.PathValue("key")] = e.Value
		cluster.WriteJSON(w, http.StatusOK, e)
	})
	return mux
}

func runCLI(t *testing.T, url string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--coordinator", url}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCommands(t *testing.T) {
	fake := &fakeCoordinator{settings: map[string]string{"pipcast.virtualenv.enabled": "true"}}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	tests := []struct {
		name       string
		args       []string
		wantOut    string
		wantErrOut string
		wantErr    string
	}{
		{
			name:    "install",
			args:    []string{"install", "arrow==0.12.1"},
			wantOut: "installed arrow==0.12.1\n",
		},
		{
			name:    "install with repo",
			args:    []string{"install", "mylib", "--repo", "https://pypi.internal/simple"},
			wantOut: "installed mylib@https://pypi.internal/simple\n",
		},
		{
			name:    "install duplicate",
			args:    []string{"install", "celery"},
			wantErr: "package already installed: celery",
		},
		{
			name:    "list",
			args:    []string{"list"},
			wantOut: "arrow==0.12.1\nmylib@https://pypi.internal/simple\n",
		},
		{
			name:    "uninstall",
			args:    []string{"uninstall", "arrow"},
			wantOut: "uninstalled arrow\n",
		},
		{
			name:       "uninstall with warning",
			args:       []string{"uninstall", "flaky"},
			wantOut:    "uninstalled flaky\n",
			wantErrOut: "warning: uninstall did not complete everywhere: flaky: node-2: timeout\n",
		},
		{
			name:    "config get",
			args:    []string{"config", "get", "pipcast.virtualenv.enabled"},
			wantOut: "true\n",
		},
		{
			name:    "config get missing",
			args:    []string{"config", "get", "pipcast.python"},
			wantErr: "no such key",
		},
		{
			name:    "install needs an argument",
			args:    []string{"install"},
			wantErr: "accepts 1 arg(s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut, err := runCLI(t, server.URL, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)
			if tt.wantErrOut != "" {
				assert.Equal(t, tt.wantErrOut, errOut)
			}
		})
	}

	// repository travels in its own field
	last := fake.installs[1]
	assert.Equal(t, "mylib", last.Package)
	assert.Equal(t, "https://pypi.internal/simple", last.Repository)
}

func TestConfigSetAndList(t *testing.T) {
	fake := &fakeCoordinator{settings: map[string]string{}}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	out, _, err := runCLI(t, server.URL, "config", "set", "pipcast.virtualenv.enabled", "true")
	require.NoError(t, err)
	assert.Equal(t, "pipcast.virtualenv.enabled = true\n", out)
	assert.Equal(t, "true", fake.settings["pipcast.virtualenv.enabled"])

	_, _, err = runCLI(t, server.URL, "config", "set", "pipcast.python", "python3.11")
	require.NoError(t, err)

	out, _, err = runCLI(t, server.URL, "config", "list")
	require.NoError(t, err)
	assert.Equal(t, "pipcast.python\npipcast.virtualenv.enabled\n", out)
}

func TestListJSON(t *testing.T) {
	server := httptest.NewServer((&fakeCoordinator{}).handler())
	defer server.Close()

	out, _, err := runCLI(t, server.URL, "list", "--json")
	require.NoError(t, err)
	var got []descriptor.Descriptor
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got, 2)
}

func TestNodes(t *testing.T) {
	server := httptest.NewServer((&fakeCoordinator{}).handler())
	defer server.Close()

	out, _, err := runCLI(t, server.URL, "nodes")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "node-1")
	assert.Contains(t, out, "healthy")
	assert.Regexp(t, `node-2\s+http://10\.0\.0\.2:8081\s+-`, out)
}

func TestCoordinatorUnreachable(t *testing.T) {
	_, _, err := runCLI(t, "http://127.0.0.1:1", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list:")
}
