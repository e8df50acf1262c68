// Package apperrors definisce la tassonomia degli errori condivisa tra
// adapter, orchestrator e coordinator delle escalation.
package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizza un errore per la logica di retry e di propagazione
type Kind string

const (
	KindValidation          Kind = "validation"
	KindTransientProvider   Kind = "transient_provider"
	KindPermanentProvider   Kind = "permanent_provider"
	KindPartialProvisioning Kind = "partial_provisioning"
	KindProvisioningFailed  Kind = "provisioning_failed"
	KindInvocationFailed    Kind = "invocation_failed"
	KindEscalationTimeout   Kind = "escalation_timeout"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUnknown             Kind = "unknown"
)

// Error è l'errore strutturato restituito dai componenti del core
type Error struct {
	Kind     Kind
	Op       string // operazione che ha fallito, es. "provision", "invoke"
	Provider string // provider coinvolto, vuoto se non applicabile
	Err      error
}

// Error implementa l'interfaccia error
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Provider != "" {
		msg += " (provider " + e.Provider + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap restituisce l'errore sottostante
func (e *Error) Unwrap() error {
	return e.Err
}

// Is permette errors.Is(err, &Error{Kind: ...}) confrontando solo il Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Provider == "" && t.Err == nil
}

// New crea un nuovo errore strutturato
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf crea un errore strutturato con messaggio formattato
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validation crea un ValidationError
func Validation(op string, err error) *Error {
	return New(KindValidation, op, err)
}

// Transient crea un TransientProviderError per il provider indicato
func Transient(provider, op string, err error) *Error {
	return &Error{Kind: KindTransientProvider, Op: op, Provider: provider, Err: err}
}

// Permanent crea un PermanentProviderError per il provider indicato
func Permanent(provider, op string, err error) *Error {
	return &Error{Kind: KindPermanentProvider, Op: op, Provider: provider, Err: err}
}

// KindOf restituisce il Kind del primo *Error nella catena.
// Errori di contesto scaduto vengono considerati transienti.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientProvider
	}
	return KindUnknown
}

// Is verifica se err appartiene al Kind indicato
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient restituisce true per gli errori che possono essere ritentati
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransientProvider
}

// ProviderOf restituisce il provider associato all'errore, se presente
func ProviderOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Provider
	}
	return ""
}
