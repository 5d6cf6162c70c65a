package provider

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindTransient failures are safe to retry with the same session id.
	KindTransient ErrorKind = iota + 1
	// KindRejected failures will not succeed on retry and are surfaced as-is.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type GatewayError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s %s", e.Op, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(": status=%d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += " message=" + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func transientError(op string, err error) *GatewayError {
	return &GatewayError{Kind: KindTransient, Op: op, Err: err}
}

func rejectedError(op string, message string) *GatewayError {
	return &GatewayError{Kind: KindRejected, Op: op, Message: message}
}

func IsTransient(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Kind == KindTransient
}

func IsRejected(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Kind == KindRejected
}

// classifyStatus maps an HTTP status from the gateway to an error kind.
// 429 is rate limiting and therefore retryable even though it is a 4xx.
func classifyStatus(statusCode int) ErrorKind {
	if statusCode == 429 || statusCode >= 500 {
		return KindTransient
	}
	return KindRejected
}
