// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Probe failures reported by Prober implementations and the monitor.
var (
	// ErrNetworkUnavailable means no usable network interface is up.
	ErrNetworkUnavailable = fmt.Errorf("network unavailable")

	// ErrPingFailed means an interface is up but the round trip probe failed.
	ErrPingFailed = fmt.Errorf("ping failed")
)

// ErrorKind is the coarse category of a network fault.
type ErrorKind int

// Fault categories, see Classify.
const (
	KindUnknown ErrorKind = iota
	KindNetworkUnavailable
	KindPingFailed
	KindHTTPRequest
	KindTimeout
	KindSocket
	KindWeb
	KindDeserialization
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "NetworkUnavailable"
	case KindPingFailed:
		return "PingFailed"
	case KindHTTPRequest:
		return "HttpRequest"
	case KindTimeout:
		return "Timeout"
	case KindSocket:
		return "Socket"
	case KindWeb:
		return "Web"
	case KindDeserialization:
		return "Deserialization"
	default:
		return "Unknown"
	}
}

// MarshalText renders the kind by name in JSON payloads.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// NetworkError is a classified fault.
type NetworkError struct {
	Kind           ErrorKind     `json:"kind"`
	Message        string        `json:"message"`
	Timestamp      time.Time     `json:"timestamp"`
	Retryable      bool          `json:"retryable"`
	SuggestedDelay time.Duration `json:"suggestedDelay"`

	err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying fault.
func (e *NetworkError) Unwrap() error {
	return e.err
}

// statusCoder is implemented by backend errors carrying an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// malformed is implemented by errors raised when a response body cannot be decoded.
type malformed interface {
	Malformed() bool
}

// Classify maps err to a NetworkError stamped with the current UTC time.
// It returns nil for a nil error.
func Classify(err error) *NetworkError {
	return classifyAt(err, time.Now().UTC())
}

// classifyAt is Classify with an explicit timestamp. Apart from the timestamp
// the result depends only on the shape of err.
func classifyAt(err error, now time.Time) *NetworkError {
	if err == nil {
		return nil
	}

	var existing *NetworkError
	if errors.As(err, &existing) {
		return existing
	}

	ne := &NetworkError{Message: err.Error(), Timestamp: now, err: err}

	var (
		dnsErr  *net.DNSError
		netErr  net.Error
		opErr   *net.OpError
		coder   statusCoder
		badBody malformed
	)

	switch {
	case errors.Is(err, ErrNetworkUnavailable):
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindNetworkUnavailable, false, 30*time.Second

	case errors.Is(err, ErrPingFailed):
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindPingFailed, true, 5*time.Second

	case errors.Is(err, context.Canceled):
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindUnknown, false, time.Minute

	case errors.As(err, &badBody) && badBody.Malformed():
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindDeserialization, false, 0

	case errors.As(err, &coder):
		ne.Kind, ne.SuggestedDelay = KindHTTPRequest, 5*time.Second
		ne.Retryable = retryableStatus(coder.StatusCode())

	case errors.As(err, &dnsErr):
		switch {
		case dnsErr.IsTimeout:
			ne.Kind, ne.Retryable, ne.SuggestedDelay = KindTimeout, true, 10*time.Second
		case dnsErr.IsNotFound:
			ne.Kind, ne.Retryable, ne.SuggestedDelay = KindWeb, false, 10*time.Second
		default:
			ne.Kind, ne.Retryable, ne.SuggestedDelay = KindWeb, true, 10*time.Second
		}

	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindTimeout, true, 10*time.Second

	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindSocket, false, 15*time.Second

	case errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindSocket, true, 15*time.Second

	default:
		ne.Kind, ne.Retryable, ne.SuggestedDelay = KindUnknown, false, time.Minute
	}

	return ne
}

// retryableStatus reports whether a backend status is worth another attempt.
// Client errors other than timeouts and throttling are not.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400:
		return false
	default:
		return true
	}
}
