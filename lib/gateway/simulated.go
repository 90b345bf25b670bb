package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dShard/lib/shards"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("gateway")

var ErrSocketClosed = errors.New("gateway: socket closed")

// NewSimulatedSocketFactory returns a factory for sockets that complete the
// identify handshake locally after the given duration. They stand in for a
// real gateway connection in the child command and in tests.
func NewSimulatedSocketFactory(handshake time.Duration) SocketFactory {
	return func(shardID, shardCount int, token string) ISocket {
		return NewSimulatedSocket(shardID, handshake)
	}
}

// NewSimulatedSocket creates a simulated socket for one shard
func NewSimulatedSocket(shardID int, handshake time.Duration) *SimulatedSocket {
	return &SimulatedSocket{
		shardID:   shardID,
		handshake: handshake,
		status:    shards.StatusIdle,
		closed:    make(chan struct{}),
	}
}

// SimulatedSocket implements ISocket without a network connection
type SimulatedSocket struct {
	mu         sync.Mutex
	shardID    int
	handshake  time.Duration
	status     shards.Status
	hook       func() bool
	listener   func(status shards.Status)
	identifies []time.Time
	closeOnce  sync.Once
	closed     chan struct{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see gateway.ISocket)
// --------------------------------------------------------------------------

func (s *SimulatedSocket) ShardID() int {
	return s.shardID
}

func (s *SimulatedSocket) Connect(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("shard %d: no gateway url", s.shardID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.status == shards.StatusClosed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	hook := s.hook
	s.mu.Unlock()

	Logger.Debugf("shard %d connecting to %s", s.shardID, url)

	if hook == nil || hook() {
		return s.Identify()
	}
	return nil
}

func (s *SimulatedSocket) Identify() error {
	s.mu.Lock()
	switch s.status {
	case shards.StatusClosed:
		s.mu.Unlock()
		return ErrSocketClosed
	case shards.StatusIdentifying, shards.StatusReady:
		s.mu.Unlock()
		return fmt.Errorf("shard %d already identified", s.shardID)
	}
	s.status = shards.StatusIdentifying
	s.identifies = append(s.identifies, time.Now())
	s.mu.Unlock()

	s.emit(shards.StatusIdentifying)

	go func() {
		if s.handshake > 0 {
			timer := time.NewTimer(s.handshake)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.closed:
				return
			}
		}

		s.mu.Lock()
		if s.status != shards.StatusIdentifying {
			s.mu.Unlock()
			return
		}
		s.status = shards.StatusReady
		s.mu.Unlock()

		s.emit(shards.StatusReady)
	}()
	return nil
}

func (s *SimulatedSocket) Kill(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = shards.StatusClosed
		s.mu.Unlock()
		close(s.closed)

		if err != nil {
			Logger.Infof("shard %d killed: %v", s.shardID, err)
		}
		s.emit(shards.StatusClosed)
	})
}

func (s *SimulatedSocket) OnIdentifyCheck(hook func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *SimulatedSocket) OnState(listener func(status shards.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *SimulatedSocket) Status() shards.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Identifies returns the start time of every identify sent by this socket
func (s *SimulatedSocket) Identifies() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.identifies...)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *SimulatedSocket) emit(status shards.Status) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener(status)
	}
}
