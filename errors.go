package cxp

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol indicates a message was routed to a feature that does not handle it.
	ErrProtocol = errors.New("protocol error")

	// ErrValidation indicates malformed registration options.
	ErrValidation = errors.New("invalid registration options")

	// ErrInvalidParams indicates the parameters of an inbound request are malformed.
	ErrInvalidParams = errors.New("invalid params")

	// ErrConflict indicates a registration ID (or a name it claims) is already in use.
	ErrConflict = errors.New("registration conflict")

	// ErrNotFound indicates an unregister of an unknown registration ID.
	ErrNotFound = errors.New("registration not found")

	// ErrHandshakeOrder indicates a message received out of the initialize -> initialized -> active
	// sequence. It is fatal to the connection.
	ErrHandshakeOrder = errors.New("message out of handshake order")

	// ErrConnClosed indicates the connection was closed before the operation completed.
	ErrConnClosed = errors.New("connection closed")
)

// InitializeError is a rejected initialize request. An extension returns it from its initialize
// handler to reject the session, and Client.Start returns it when the extension did so.
type InitializeError struct {
	// Retry is the extension's hint on whether initialize may be retried. It is never acted on
	// by this package.
	Retry bool
	Err   *JSONRPCError
}

func (e *InitializeError) Error() string {
	msg := "rejected"
	if e.Err != nil {
		msg = e.Err.Message
	}
	return fmt.Sprintf("initialize failed (retry: %t): %s", e.Retry, msg)
}

func (e *InitializeError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// initializeError recognizes an initialize error response by its retry payload.
func initializeError(err error) error {
	var jErr *JSONRPCError
	if !errors.As(err, &jErr) {
		return err
	}
	retry, ok := jErr.Data["retry"].(bool)
	if !ok {
		return err
	}
	return &InitializeError{Retry: retry, Err: jErr}
}

// toJSONRPCError converts a handler error into its wire form.
func toJSONRPCError(err error) *JSONRPCError {
	var initErr *InitializeError
	if errors.As(err, &initErr) {
		wire := JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: initErr.Error(),
		}
		if initErr.Err != nil {
			wire = *initErr.Err
		}
		data := make(map[string]any, len(wire.Data)+1)
		for k, v := range wire.Data {
			data[k] = v
		}
		data["retry"] = initErr.Retry
		wire.Data = data
		return &wire
	}
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return &jErr
	}
	var pjErr *JSONRPCError
	if errors.As(err, &pjErr) {
		return pjErr
	}

	code := jsonRPCInternalErrorCode
	switch {
	case errors.Is(err, ErrProtocol):
		code = jsonRPCMethodNotFoundCode
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidParams):
		code = jsonRPCInvalidParamsCode
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		code = jsonRPCInvalidRequestCode
	case errors.Is(err, ErrHandshakeOrder):
		code = jsonRPCServerNotInitializedCode
	}
	return &JSONRPCError{
		Code:    code,
		Message: err.Error(),
	}
}
