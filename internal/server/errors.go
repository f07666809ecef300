// Package server defines the error taxonomy reported to chat clients.
package server

import (
	"errors"
)

var (
	ErrRegistration       = errors.New("registration requires a non-empty name")
	ErrUnregisteredSender = errors.New("not registered")
	ErrEmptyContent       = errors.New("message content is empty")
	ErrPersistence        = errors.New("message could not be stored")
	ErrUnknownRecipient   = errors.New("unknown recipient")
	ErrInvalidEvent       = errors.New("invalid event")

	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// publicErrors are the only reasons ever shown to a client; anything else is
// reported as an internal error and only logged in full.
var publicErrors = []error{
	ErrRegistration,
	ErrUnregisteredSender,
	ErrEmptyContent,
	ErrPersistence,
	ErrUnknownRecipient,
	ErrInvalidEvent,
}

func errorReason(err error) string {
	for _, public := range publicErrors {
		if errors.Is(err, public) {
			return public.Error()
		}
	}
	return "internal error"
}
