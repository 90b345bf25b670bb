package server

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dShard/rpc/client"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/serializer"
	"github.com/ValentinKolb/dShard/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type grantHandler struct{}

func (grantHandler) HandleRequest(_ context.Context, p common.Payload) (common.Payload, error) {
	req := p.(*common.IdentifyRequest)
	return &common.IdentifyGrant{ShardID: req.ShardID}, nil
}

func (grantHandler) HandleNotify(common.Payload) {}

func newTestServer(t *testing.T) (*IPCServer, common.IPCConfig) {
	cfg := common.IPCConfig{Endpoint: "127.0.0.1:0", Secret: "s3cret"}
	s := NewIPCServer(cfg, tcp.NewTCPServerTransport(), serializer.NewJSONSerializer())
	require.NoError(t, s.Listen())
	t.Cleanup(func() { _ = s.Close() })
	cfg.Endpoint = s.Endpoint()
	return s, cfg
}

func TestIPCServerRoutesExpectedCluster(t *testing.T) {
	s, cfg := newTestServer(t)
	conn := s.Expect(2)

	child, err := client.Dial(cfg, 2, tcp.NewTCPClientTransport(), serializer.NewJSONSerializer())
	require.NoError(t, err)
	defer child.Close()
	child.Serve(grantHandler{})

	var manager *client.Channel
	select {
	case manager = <-conn:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not routed")
	}
	defer manager.Close()
	manager.Serve(grantHandler{})
	assert.Equal(t, 2, manager.ClusterID())

	resp, err := manager.Invoke(context.Background(), &common.IdentifyRequest{ShardID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.(*common.IdentifyGrant).ShardID)
}

func TestIPCServerRejects(t *testing.T) {
	tests := []struct {
		name      string
		expect    bool
		forget    bool
		secret    string
		clusterID int
	}{
		{name: "wrong secret", expect: true, secret: "wrong", clusterID: 1},
		{name: "unexpected cluster", expect: true, secret: "s3cret", clusterID: 7},
		{name: "forgotten cluster", expect: true, forget: true, secret: "s3cret", clusterID: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, cfg := newTestServer(t)
			var conn <-chan *client.Channel
			if tt.expect {
				conn = s.Expect(1)
			}
			if tt.forget {
				s.Forget(1, conn)
			}

			cfg.Secret = tt.secret
			child, err := client.Dial(cfg, tt.clusterID, tcp.NewTCPClientTransport(), serializer.NewJSONSerializer())
			require.NoError(t, err)
			child.Serve(grantHandler{})

			select {
			case <-child.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("rejected child still connected")
			}
			select {
			case <-conn:
				t.Fatal("rejected connection was routed")
			default:
			}
		})
	}
}

func TestIPCServerForgetKeepsNewerRegistration(t *testing.T) {
	s, cfg := newTestServer(t)
	old := s.Expect(3)
	current := s.Expect(3)
	s.Forget(3, old)

	child, err := client.Dial(cfg, 3, tcp.NewTCPClientTransport(), serializer.NewJSONSerializer())
	require.NoError(t, err)
	defer child.Close()

	select {
	case ch := <-current:
		_ = ch.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("newer registration was dropped")
	}
}
