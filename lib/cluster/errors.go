package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dShard/rpc/transport"
)

var (
	// ErrProcessExited rejects requests whose process exited before replying
	ErrProcessExited = errors.New("cluster process exited")
	// ErrRequestTimeout rejects requests that got no reply in time
	ErrRequestTimeout = errors.New("request timed out")
	// ErrDuplicateIdentify rejects a stale identify waiter superseded by a newer request
	ErrDuplicateIdentify = errors.New("duplicate identify request")
	// ErrNotReady is returned when a cluster has no connection yet
	ErrNotReady = errors.New("cluster not ready")
	// ErrManagerStopped is returned by a manager after Shutdown
	ErrManagerStopped = errors.New("cluster manager stopped")
	// ErrUnknownCluster is returned for cluster ids the manager does not own
	ErrUnknownCluster = errors.New("unknown cluster")
	// ErrUnknownEval is returned for eval codes without a registered evaluator
	ErrUnknownEval = errors.New("unknown eval")
)

// requestError maps transport level failures to the errors of this package
func requestError(clusterID int, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrPeerClosed):
		return fmt.Errorf("cluster %d: %w: %v", clusterID, ErrProcessExited, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("cluster %d: %w", clusterID, ErrRequestTimeout)
	default:
		return fmt.Errorf("cluster %d: %w", clusterID, err)
	}
}

// withTimeout bounds ctx by d, a non-positive d leaves ctx unbounded
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
