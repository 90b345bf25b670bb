package server

import (
	"fmt"

	"github.com/ValentinKolb/dShard/rpc/transport"
	"github.com/ValentinKolb/dShard/rpc/transport/tcp"
	"github.com/ValentinKolb/dShard/rpc/transport/unix"
)

// TransportByName returns the server transport registered under the given name
func TransportByName(name string) (transport.IRPCServerTransport, error) {
	switch name {
	case "unix", "":
		return unix.NewUnixServerTransport(), nil
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s. must be one of unix, tcp", name)
	}
}
