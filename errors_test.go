package cxp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJSONRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"protocol", fmt.Errorf("%w: wrong feature", ErrProtocol), jsonRPCMethodNotFoundCode},
		{"validation", fmt.Errorf("%w: bad", ErrValidation), jsonRPCInvalidParamsCode},
		{"invalid params", fmt.Errorf("%w: bad", ErrInvalidParams), jsonRPCInvalidParamsCode},
		{"conflict", ErrConflict, jsonRPCInvalidRequestCode},
		{"not found", ErrNotFound, jsonRPCInvalidRequestCode},
		{"handshake", ErrHandshakeOrder, jsonRPCServerNotInitializedCode},
		{"other", errors.New("boom"), jsonRPCInternalErrorCode},
		{"wire error", JSONRPCError{Code: 5, Message: "five"}, 5},
		{"wire error pointer", fmt.Errorf("wrapped: %w", &JSONRPCError{Code: 6, Message: "six"}), 6},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, toJSONRPCError(tc.err).Code)
		})
	}
}

func TestInitializeErrorWireForm(t *testing.T) {
	wire := toJSONRPCError(&InitializeError{
		Retry: false,
		Err:   &JSONRPCError{Code: 3, Message: "nope", Data: map[string]any{"reason": "version"}},
	})
	assert.Equal(t, 3, wire.Code)
	assert.Equal(t, map[string]any{"reason": "version", "retry": false}, wire.Data)

	bare := toJSONRPCError(&InitializeError{Retry: true})
	assert.Equal(t, jsonRPCInternalErrorCode, bare.Code)
	assert.Equal(t, true, bare.Data["retry"])

	var initErr *InitializeError
	require.ErrorAs(t, initializeError(bare), &initErr)
	assert.True(t, initErr.Retry)

	plain := &JSONRPCError{Code: 1, Message: "no retry data"}
	assert.Equal(t, error(plain), initializeError(plain))
}

func TestInitializeErrorIsNilSafe(t *testing.T) {
	e := &InitializeError{Retry: true}
	assert.Contains(t, e.Error(), "retry: true")
	assert.NoError(t, e.Unwrap())
}
