package email

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
)

// Message is one rendered email for one recipient. HTML is optional; without
// it the message is sent as a single text/plain part.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport opens connections to the outbound mail relay.
type Transport interface {
	Open(ctx context.Context) (Conn, error)
}

// Conn is an open relay session that carries many messages.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

var (
	// ErrConnect means the relay could not be reached.
	ErrConnect = errors.New("smtp connect failed")
	// ErrRejected means the relay refused one message; the session is still usable.
	ErrRejected = errors.New("message rejected")
	// ErrDisconnected means the session is dead and nothing more can be sent on it.
	ErrDisconnected = errors.New("smtp connection lost")
)

// Disconnected reports whether err leaves the connection unusable.
func Disconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// classify tags err as ErrRejected or ErrDisconnected. Any SMTP reply other
// than 421 rejects only the current message.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrRejected) || errors.Is(err, ErrDisconnected) {
		return err
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code == 421 {
			return wrap(ErrDisconnected, err)
		}
		return wrap(ErrRejected, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return wrap(ErrDisconnected, err)
	}
	return wrap(ErrRejected, err)
}

type kindError struct {
	kind error
	err  error
}

func wrap(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

// Error keeps the relay's own message, which ends up in the delivery report.
func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
