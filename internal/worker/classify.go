package worker

import (
	"context"
	"errors"
	"net"
	"syscall"

	"fieldsync/internal/domain"
)

// Error kinds reported by Classify.
const (
	KindRemote      = "remote"
	KindTimeout     = "timeout"
	KindConnection  = "connection"
	KindPersistence = "persistence"
	KindUnknown     = "unknown"
)

// Classify reports whether err is worth retrying and what kind of failure
// it is. Only an explicit non-retryable remote rejection is final.
func Classify(err error) (retryable bool, kind string) {
	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable, KindRemote
	}
	if errors.Is(err, domain.ErrPersistence) {
		return true, KindPersistence
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, KindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true, KindConnection
	}
	return true, KindUnknown
}
