package portwatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

type FailureKind string

const (
	// The peer did not answer in time
	FAIL_TIMEOUT FailureKind = "timeout"
	// The connection could not be established
	FAIL_CONNECTION FailureKind = "connection"
	// The TLS handshake or certificate verification failed
	FAIL_TLS FailureKind = "tls"
	// The peer answered with a non-success status
	FAIL_STATUS FailureKind = "status"
	// Authentication was rejected or no usable credentials exist
	FAIL_AUTH FailureKind = "auth"
	// The peer answered with something we cannot interpret
	FAIL_MALFORMED FailureKind = "malformed"
)

// A Failure wraps whatever went wrong while talking to a service
// into a single kind callers can switch on. Status and Body are
// only set for responses we actually received.
type Failure struct {
	Kind   FailureKind
	Status int
	Body   string
	Err    error
}

func (f *Failure) Error() string {
	switch {
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	case f.Status > 0 && f.Body != "":
		return fmt.Sprintf("%s: status %d: %s", f.Kind, f.Status, f.Body)
	case f.Status > 0:
		return fmt.Sprintf("%s: status %d", f.Kind, f.Status)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

func failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: errors.Errorf(format, args...)}
}

func statusFailure(status int, body string) *Failure {
	kind := FAIL_STATUS
	if status == 401 || status == 403 {
		kind = FAIL_AUTH
	}
	return &Failure{Kind: kind, Status: status, Body: truncate(body, 300)}
}

// FailureOf unwraps err into a Failure when there is one.
func FailureOf(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Sorts a transport error into a failure kind. Timeouts are checked
// before certificate problems so a slow TLS handshake does not count
// as a broken one.
func classifyTransport(err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return newFailure(FAIL_TIMEOUT, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return newFailure(FAIL_TIMEOUT, err)
	}

	var (
		certErr  *tls.CertificateVerificationError
		recErr   tls.RecordHeaderError
		unkErr   x509.UnknownAuthorityError
		hostErr  x509.HostnameError
		invalErr x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &certErr),
		errors.As(err, &recErr),
		errors.As(err, &unkErr),
		errors.As(err, &hostErr),
		errors.As(err, &invalErr):
		return newFailure(FAIL_TLS, err)
	}

	return newFailure(FAIL_CONNECTION, err)
}
