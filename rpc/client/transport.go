package client

import (
	"fmt"

	"github.com/ValentinKolb/dShard/rpc/transport"
	"github.com/ValentinKolb/dShard/rpc/transport/tcp"
	"github.com/ValentinKolb/dShard/rpc/transport/unix"
)

// TransportByName returns the client transport registered under the given name
func TransportByName(name string) (transport.IRPCClientTransport, error) {
	switch name {
	case "unix", "":
		return unix.NewUnixClientTransport(), nil
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s. must be one of unix, tcp", name)
	}
}
