package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeErrorIsAcrossWrapping(t *testing.T) {
	err := ErrGatewayUnavailable.WrapMsg("persist failed", "conv", "c1")
	wrapped := fmt.Errorf("send: %w", WrapMsg(err, "handler"))

	assert.True(t, errors.Is(wrapped, ErrGatewayUnavailable))
	assert.False(t, errors.Is(wrapped, ErrArgs))

	ce := AsCode(wrapped)
	require.NotNil(t, ce)
	assert.Equal(t, GatewayUnavailable, ce.Code)
	assert.Equal(t, "persist failed, conv=c1", ce.Detail)
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	d := ErrArgs.WithDetail("limit")
	assert.Equal(t, "limit", d.Detail)
	assert.Empty(t, ErrArgs.Detail)
	assert.Equal(t, "1001 ArgsError limit", d.Error())
}

func TestAsCodePlainError(t *testing.T) {
	ce := AsCode(errors.New("boom"))
	assert.Equal(t, ServerInternalError, ce.Code)
	assert.Nil(t, AsCode(nil))
}

func TestToStringOddKV(t *testing.T) {
	assert.Equal(t, "m, a=1, b=MISSING", toString("m", []any{"a", 1, "b"}))
}
