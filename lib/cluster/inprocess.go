package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/lib/rest"
	"github.com/ValentinKolb/dShard/rpc/client"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/serializer"
)

// ErrKilled is returned by Wait of an in-process child that was killed
var ErrKilled = errors.New("child killed")

// InProcessSpawner runs every child as a goroutine of the manager process.
// The children still talk to the manager through the configured IPC
// transport, only the OS process is left out.
type InProcessSpawner struct {
	// Factory creates the gateway sockets of the children
	Factory gateway.SocketFactory
	// Rest is used by the children to answer REST_REQUEST, may be nil
	Rest rest.IRestClient
	// Commands are the local command definitions of every child
	Commands []gateway.ApplicationCommand
	// OnChild is called with every child before it runs
	OnChild func(child *ClusterProcessChild)

	pid atomic.Int64
}

// NewInProcessSpawner creates a spawner for goroutine children
func NewInProcessSpawner(factory gateway.SocketFactory) *InProcessSpawner {
	s := &InProcessSpawner{Factory: factory}
	s.pid.Store(int64(os.Getpid()) * 1000)
	return s
}

func (s *InProcessSpawner) Spawn(ctx context.Context, env map[string]string) (IProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := common.ParseChildEnv(func(key string) string { return env[key] })
	if err != nil {
		return nil, fmt.Errorf("invalid child environment: %w", err)
	}
	t, err := client.TransportByName(cfg.IPC.Transport)
	if err != nil {
		return nil, err
	}
	ser, err := serializer.ByName(cfg.IPC.Serializer)
	if err != nil {
		return nil, err
	}

	commands := s.Commands
	if cfg.CommandsFile != "" {
		if commands, err = gateway.LoadCommandsFile(cfg.CommandsFile); err != nil {
			return nil, err
		}
	}

	ch, err := client.Dial(cfg.IPC, cfg.ClusterID, t, ser)
	if err != nil {
		return nil, fmt.Errorf("cluster %d: failed to dial manager: %w", cfg.ClusterID, err)
	}

	child := NewClusterProcessChild(cfg, ch, s.Factory, gateway.NewCommandRegistry(commands), s.Rest)
	if s.OnChild != nil {
		s.OnChild(child)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &inProcess{
		pid:     int(s.pid.Add(1)),
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		err := child.Run(runCtx)
		_ = ch.Close()
		p.finish(err)
	}()
	return p, nil
}

// inProcess is the handle of a goroutine child
type inProcess struct {
	pid     int
	channel *client.Channel
	cancel  context.CancelFunc

	mu     sync.Mutex
	killed bool
	err    error
	done   chan struct{}
}

func (p *inProcess) Pid() int {
	return p.pid
}

func (p *inProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return ErrKilled
	}
	return p.err
}

// Kill drops the connection before stopping the child, so nothing is sent
// to the manager on the way out
func (p *inProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	_ = p.channel.Close()
	p.cancel()
	return nil
}

func (p *inProcess) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}
