package errdefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies errors crossing the operational and boundary layers.
type Kind string

const (
	KindDatabase      Kind = "database"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindBadRequest    Kind = "bad_request"
	KindIo            Kind = "io"
	KindURLParse      Kind = "url_parse"
	KindHTTP          Kind = "http"
	KindSerialization Kind = "serialization"
	KindGrpcTransport Kind = "grpc_transport"
	KindGrpcStatus    Kind = "grpc_status"
	KindBus           Kind = "bus"
	KindWireguard     Kind = "wireguard"
	KindIPParse       Kind = "ip_parse"
	KindTomlParse     Kind = "toml_parse"
	KindChannelSend   Kind = "channel_send"
	KindCustom        Kind = "custom"
)

// Error carries a kind alongside the wrapped cause so boundary code can
// map it to a response without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted message with a kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Custom builds a free-form error.
func Custom(msg string) error {
	return &Error{Kind: KindCustom, Err: errors.New(msg)}
}

// KindOf extracts the kind of err, or KindCustom when untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindCustom
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether err is worth retrying with backoff. Connection
// resets, timeouts, deadlocks and gRPC unavailability qualify; unique
// violations and validation failures do not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization failure, 40P01 deadlock, 08xxx connection.
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	return false
}

// UniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func UniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
