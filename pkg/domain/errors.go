package domain

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a session ID cannot be found in the store.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionOwned is returned when a session ID is already taken by another
// user or app. Session ids are unique across the whole store.
var ErrSessionOwned = errors.New("session id belongs to another owner")

// ErrStoreUnavailable is returned by stores that cannot reach their backend.
var ErrStoreUnavailable = errors.New("session store unavailable")

var (
	// ErrTransient marks timeout, rate-limit, connection and 5xx-class failures.
	ErrTransient = errors.New("transient backend fault")
	// ErrModelRequest marks payloads the model rejected as malformed or unsupported.
	ErrModelRequest = errors.New("model request fault")
	// ErrDelegation marks capability or session wiring problems.
	ErrDelegation = errors.New("delegation fault")
)

// FaultKind is the closed set of execution outcomes that are not a success.
type FaultKind int

const (
	FaultGeneric FaultKind = iota
	FaultTransient
	FaultModelRequest
	FaultDelegation
	FaultConnection
	FaultTimeout
	FaultCancelled
)

func (k FaultKind) String() string {
	switch k {
	case FaultTransient:
		return "transient"
	case FaultModelRequest:
		return "model_request"
	case FaultDelegation:
		return "delegation"
	case FaultConnection:
		return "connection"
	case FaultTimeout:
		return "timeout"
	case FaultCancelled:
		return "cancelled"
	default:
		return "generic"
	}
}

// Retryable reports whether a fault of this kind is worth another attempt.
func (k FaultKind) Retryable() bool {
	switch k {
	case FaultTransient, FaultConnection, FaultTimeout:
		return true
	default:
		return false
	}
}

// UserMessage is the fixed, safe text shown to end users for this kind.
func (k FaultKind) UserMessage() string {
	switch k {
	case FaultDelegation:
		return "I encountered an issue routing your request. Please try rephrasing your question or starting a new session."
	case FaultConnection:
		return "I'm having trouble connecting to the AI service. Please try again in a moment."
	case FaultTimeout:
		return "Your request took too long to process. Please try a simpler question or try again later."
	case FaultTransient:
		return "The AI service is temporarily unavailable. Please try again in a moment."
	case FaultModelRequest:
		return "I had trouble processing the content of your request. Please check any attached documents and try again."
	case FaultCancelled:
		return "Processing cancelled."
	default:
		return "I apologize, but I encountered an unexpected error. Please try again."
	}
}

// Fault is a classified execution error.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with a kind.
func NewFault(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}
