package engineadmin

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/edgenode/xp/pkg/security"
)

// Client dials the local proxy engine's admin surface over mTLS. Grounded
// on pkg/worker/worker.go's connectWithMTLS: a loopback dial, the node's
// own leaf cert, and the cluster CA as the sole trust root.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr (normally a loopback address; the admin server
// runs colocated with the engine it drives) presenting nodeCert and
// trusting only the cluster CA.
func Dial(ctx context.Context, addr string, nodeCert tls.Certificate, ca *security.CertAuthority) (*Client, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.RootCertPEM()) {
		return nil, fmt.Errorf("parse cluster CA root cert")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{nodeCert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}

	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, fmt.Errorf("dial engine admin at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	fullMethod := fmt.Sprintf("/%s/%s", serviceName, method)
	return c.conn.Invoke(ctx, fullMethod, req, resp)
}

// AddInbound asks the engine to add an inbound handler. AlreadyExists is
// folded into a nil error: the reconciler's Full/RebuildInbound requests
// are retried freely and must be idempotent (§4.3).
func (c *Client) AddInbound(ctx context.Context, req *AddInboundRequest) (*AddInboundResponse, error) {
	resp := new(AddInboundResponse)
	err := c.invoke(ctx, "AddInbound", req, resp)
	if status.Code(err) == codes.AlreadyExists {
		return resp, nil
	}
	return resp, err
}

// RemoveInbound tombstones an inbound by tag. NotFound is folded into a
// nil error for the same idempotence reason as AddInbound.
func (c *Client) RemoveInbound(ctx context.Context, req *RemoveInboundRequest) (*RemoveInboundResponse, error) {
	resp := new(RemoveInboundResponse)
	err := c.invoke(ctx, "RemoveInbound", req, resp)
	if status.Code(err) == codes.NotFound {
		return resp, nil
	}
	return resp, err
}

// AddUser adds one grant's credentials to an inbound. Callers that get a
// NotFound back (inbound missing) are expected to RebuildInbound and retry
// once per §4.3; AddUser itself does not retry.
func (c *Client) AddUser(ctx context.Context, req *AddUserRequest) (*AddUserResponse, error) {
	resp := new(AddUserResponse)
	err := c.invoke(ctx, "AddUser", req, resp)
	if status.Code(err) == codes.AlreadyExists {
		return resp, nil
	}
	return resp, err
}

// RemoveUser revokes one grant's credentials from an inbound. NotFound
// (user or inbound already absent) is folded into a nil error.
func (c *Client) RemoveUser(ctx context.Context, req *RemoveUserRequest) (*RemoveUserResponse, error) {
	resp := new(RemoveUserResponse)
	err := c.invoke(ctx, "RemoveUser", req, resp)
	if status.Code(err) == codes.NotFound {
		return resp, nil
	}
	return resp, err
}

// GetStats queries one named counter. A NotFound response is returned
// verbatim (not folded away) since callers such as the probe supervisor
// use it as a "channel answered" liveness signal rather than a failure.
func (c *Client) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	resp := new(GetStatsResponse)
	err := c.invoke(ctx, "GetStats", req, resp)
	return resp, err
}

// GetUserTraffic fetches both traffic counters for one grant in a single
// round trip, the shape the quota controller polls every tick.
func (c *Client) GetUserTraffic(ctx context.Context, req *GetUserTrafficRequest) (*GetUserTrafficResponse, error) {
	resp := new(GetUserTrafficResponse)
	err := c.invoke(ctx, "GetUserTraffic", req, resp)
	return resp, err
}
