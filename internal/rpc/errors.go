package rpc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed means the stream to the remote peer was torn down or
	// could not be established. Callers may retry.
	ErrChannelClosed = errors.New("channel closed")

	// ErrBadResponse means the remote answered with something that does not
	// decode. Retrying will not help.
	ErrBadResponse = errors.New("bad response")
)

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}

// transportError classifies a stream I/O failure. Context cancellation is
// passed through untouched so callers can stop cleanly.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrChannelClosed, err)
}
