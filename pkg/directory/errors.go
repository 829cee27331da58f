package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrNoResponders means a lookup matched zero providers. During join it
	// marks this node as the first in the network.
	ErrNoResponders = errors.New("directory: no responders")
	// ErrTimeout means a call or lookup ran past its deadline.
	ErrTimeout = errors.New("directory: timeout")
)

// RemoteError is an error reported by the remote handler itself.
type RemoteError struct {
	Peer Endpoint
	Msg  string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("remote %s: %s", e.Peer, e.Msg) }

// Classify maps deadline failures onto ErrTimeout so callers can tell them
// apart from ErrNoResponders. Other errors pass through unchanged.
func Classify(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrNoResponders) || errors.Is(err, ErrTimeout) {
		return err
	}
	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func IsNoResponders(err error) bool { return errors.Is(err, ErrNoResponders) }
func IsTimeout(err error) bool      { return errors.Is(err, ErrTimeout) }
