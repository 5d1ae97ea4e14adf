package errors

import "fmt"

var (
	ErrWorkerPanic       = fmt.Errorf("worker panic")
	ErrUnknownConnection = fmt.Errorf("unknown connection")
	ErrUnknownUser       = fmt.Errorf("unknown user")
	ErrUnknownChannel    = fmt.Errorf("unknown channel")
	ErrConnectionTaken   = fmt.Errorf("connection id belongs to another user")
	ErrUnknownTenant     = fmt.Errorf("unknown tenant")
	ErrUnauthorized      = fmt.Errorf("unauthorized")
	ErrTransportClosed   = fmt.Errorf("transport closed")
	ErrOutboxFull        = fmt.Errorf("connection outbox full")
	ErrNoDeliveryPath    = fmt.Errorf("connection has no delivery path")
	ErrInvalidHash       = fmt.Errorf("invalid hash format")
)
