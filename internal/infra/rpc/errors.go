package rpc

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind identifies the class of a client error. Retryability is a fixed
// property of the kind, never recomputed from context, so callers can
// build retry loops keyed on the kind alone.
type Kind int

const (
	// KindUnrecognized is the catch-all for status codes outside the
	// closed taxonomy.
	KindUnrecognized Kind = iota
	// KindNotConnected is raised before any wire call is attempted.
	KindNotConnected
	KindCancelled
	KindUnknown
	KindInvalidArgument
	KindTimedOut
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	KindResourceExhausted
	KindPreconditionFailed
	KindAborted
	KindOutOfRange
	KindNotImplemented
	KindInternal
	KindUnavailable
	KindDataLoss
	KindUnauthenticated
)

var kindNames = map[Kind]string{
	KindUnrecognized:       "unrecognized",
	KindNotConnected:       "not_connected",
	KindCancelled:          "cancelled",
	KindUnknown:            "unknown",
	KindInvalidArgument:    "invalid_argument",
	KindTimedOut:           "timed_out",
	KindNotFound:           "not_found",
	KindAlreadyExists:      "already_exists",
	KindPermissionDenied:   "permission_denied",
	KindResourceExhausted:  "resource_exhausted",
	KindPreconditionFailed: "precondition_failed",
	KindAborted:            "aborted",
	KindOutOfRange:         "out_of_range",
	KindNotImplemented:     "not_implemented",
	KindInternal:           "internal",
	KindUnavailable:        "unavailable",
	KindDataLoss:           "data_loss",
	KindUnauthenticated:    "unauthenticated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the protocol-independent error value produced by this
// package. It carries the server and operation that failed, a closed
// error kind, a human-readable description and a retryable verdict, and
// wraps the original wire-level error when there was one.
type Error struct {
	ServerURL   string
	Operation   string
	Kind        Kind
	Description string
	Retryable   bool

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed calling %q on %q: %s", e.Operation, e.ServerURL, e.Description)
}

// Unwrap exposes the original wire-level error, if any, so callers can
// still reach the underlying grpc status via errors chains.
func (e *Error) Unwrap() error { return e.cause }

// NotConnected reports that an operation was attempted before the
// client connected to the server. Always retryable.
func NotConnected(serverURL, operation string) *Error {
	return &Error{
		ServerURL:   serverURL,
		Operation:   operation,
		Kind:        KindNotConnected,
		Description: "the client is not connected to the server",
		Retryable:   true,
	}
}

// Retryable reports whether retrying the operation that produced err
// might succeed. Errors outside this taxonomy are not retryable.
func Retryable(err error) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Retryable
	}
	return false
}

type kindEntry struct {
	kind        Kind
	description string
	retryable   bool
}

// Fixed table mapping grpc status codes to error kinds. The retryable
// verdicts are static: when uncertain, a kind defaults to retryable.
var kindTable = map[codes.Code]kindEntry{
	codes.Canceled:           {KindCancelled, "the operation was cancelled", true},
	codes.Unknown:            {KindUnknown, "there was an error that can't be described using other statuses", true},
	codes.InvalidArgument:    {KindInvalidArgument, "the client specified an invalid argument", false},
	codes.DeadlineExceeded:   {KindTimedOut, "the time limit was exceeded while waiting for the operation to complete", true},
	codes.NotFound:           {KindNotFound, "the requested entity was not found", true},
	codes.AlreadyExists:      {KindAlreadyExists, "the entity that we attempted to create already exists", true},
	codes.PermissionDenied:   {KindPermissionDenied, "the caller does not have permission to execute the specified operation", true},
	codes.ResourceExhausted:  {KindResourceExhausted, "some resource has been exhausted (for example per-user quota, disk space, etc.)", true},
	codes.FailedPrecondition: {KindPreconditionFailed, "the operation was rejected because the system is not in a required state", true},
	codes.Aborted:            {KindAborted, "the operation was aborted", true},
	codes.OutOfRange:         {KindOutOfRange, "the operation was attempted past the valid range", true},
	codes.Unimplemented:      {KindNotImplemented, "the operation is not implemented or not supported/enabled in this service", false},
	codes.Internal:           {KindInternal, "some invariants expected by the underlying system have been broken", true},
	codes.Unavailable:        {KindUnavailable, "the service is currently unavailable", true},
	codes.DataLoss:           {KindDataLoss, "unrecoverable data loss or corruption", false},
	codes.Unauthenticated:    {KindUnauthenticated, "the request does not have valid authentication credentials for the operation", false},
}

// ClassifyError converts a wire-level error into an *Error from the
// taxonomy. Non-status errors classify through codes.Unknown; status
// codes outside the table classify as KindUnrecognized, which is
// retryable because nothing better is known about it.
func ClassifyError(serverURL, operation string, err error) *Error {
	if err == nil {
		return nil
	}

	s, _ := status.FromError(err)
	entry, ok := kindTable[s.Code()]
	if !ok {
		entry = kindEntry{KindUnrecognized, "got an unrecognized status code", true}
	}

	var b strings.Builder
	b.WriteString(entry.description)
	fmt.Fprintf(&b, " <status=%s>", s.Code())
	if msg := s.Message(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if diag := statusDiagnostic(s); diag != "" {
		fmt.Fprintf(&b, " (%s)", diag)
	}

	return &Error{
		ServerURL:   serverURL,
		Operation:   operation,
		Kind:        entry.kind,
		Description: b.String(),
		Retryable:   entry.retryable,
		cause:       err,
	}
}

// statusDiagnostic extracts debug detail from the rich status payload,
// if the server attached any.
func statusDiagnostic(s *status.Status) string {
	var parts []string
	for _, detail := range s.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			parts = append(parts, fmt.Sprintf("reason=%s domain=%s", d.GetReason(), d.GetDomain()))
		case *errdetails.DebugInfo:
			if d.GetDetail() != "" {
				parts = append(parts, d.GetDetail())
			}
		}
	}
	return strings.Join(parts, "; ")
}
