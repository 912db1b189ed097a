package ftpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
)

var (
	// ErrCircuitOpen is returned fast while an endpoint's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrAcquireTimeout is returned when no pooled session frees up in time.
	ErrAcquireTimeout = errors.New("timed out waiting for a free ftp session")
	// ErrConnection marks transient transport failures worth a bounded retry.
	ErrConnection = errors.New("ftp connection error")
	// ErrAuth marks credential rejections; fatal for the whole run.
	ErrAuth = errors.New("ftp authentication failed")
	// ErrNotFound marks a missing remote file or directory.
	ErrNotFound = errors.New("remote path not found")
)

// FTP reply codes the classifier cares about.
const (
	ftpCodeNotLoggedIn     = 530
	ftpCodeFileUnavailable = 550
)

// classify maps a raw session error onto the package taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch proto.Code {
		case ftpCodeNotLoggedIn:
			return errors.Join(ErrAuth, err)
		case ftpCodeFileUnavailable:
			return errors.Join(ErrNotFound, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrConnection, err)
	}
	return err
}

// IsRetryable reports whether the error is transient and worth retrying on a
// fresh session.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}
