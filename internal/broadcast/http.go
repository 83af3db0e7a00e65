package broadcast

import (
	"context"
	"strings"

	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/envmgr"
)

// Worker endpoints.
const (
	ApplyPath = "/env/apply"
	ListPath  = "/env/list"
)

// HTTPSender talks to workers over their HTTP API.
type HTTPSender struct {
	client *cluster.Client
}

// NewHTTPSender returns a Sender using client. Per-call deadlines come
// from the Channel, so client may have no timeout of its own.
func NewHTTPSender(client *cluster.Client) *HTTPSender {
	if client == nil {
		client = cluster.NewClient(0)
	}
	return &HTTPSender{client: client}
}

func (s *HTTPSender) Apply(ctx context.Context, node cluster.NodeInfo, action cluster.EnvAction) error {
	return s.client.PostJSON(ctx, nodeURL(node, ApplyPath), action, nil)
}

func (s *HTTPSender) List(ctx context.Context, node cluster.NodeInfo) ([]envmgr.Package, error) {
	var resp cluster.ListResponse
	if err := s.client.GetJSON(ctx, nodeURL(node, ListPath), &resp); err != nil {
		return nil, err
	}
	return resp.Packages, nil
}

func nodeURL(node cluster.NodeInfo, path string) string {
	addr := node.Addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}
