package mssql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerErrorClassification(t *testing.T) {
	transientNumbers := []int32{1205, 1222, 4060, 10053, 10054, 10928,
		10929, 18456, 40143, 40197, 40501, 40613, 49918, 49919, 49920, -2}
	for _, n := range transientNumbers {
		e := Error{Number: n, Class: 16}
		assert.True(t, e.IsTransient(), "error %d should be transient", n)
		assert.False(t, e.IsTerminal())
		assert.True(t, IsTransient(e))
	}

	terminalNumbers := []int32{102, 207, 208, 547, 2601, 2627}
	for _, n := range terminalNumbers {
		e := Error{Number: n, Class: 16}
		assert.True(t, e.IsTerminal(), "error %d should be terminal", n)
		assert.False(t, e.IsTransient())
		assert.True(t, IsTerminal(e))
	}

	// Anything else is neither.
	e := Error{Number: 50000, Class: 16}
	assert.False(t, e.IsTransient())
	assert.False(t, e.IsTerminal())
}

func TestServerErrorSeverity(t *testing.T) {
	e := Error{Number: 823, Class: 24, Message: "I/O error"}
	assert.Equal(t, uint8(24), e.Severity())
	assert.True(t, e.ConnectionPoisoned(), "class >= 20 kills the connection")

	e = Error{Number: 2627, Class: 14}
	assert.False(t, e.ConnectionPoisoned())
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
		terminal  bool
	}{
		{TimeoutError{kind: timeoutConnect}, true, false},
		{TimeoutError{kind: timeoutTLS}, true, false},
		{TimeoutError{kind: timeoutCommand}, true, false},
		{TransportError{Err: errors.New("broken pipe")}, true, false},
		{RoutingError{Host: "h", Port: 1}, true, false},
		{ProtocolError{Message: "bad length"}, false, false},
		{CodecError{Message: "unknown tag"}, false, false},
		{AuthError{Message: "denied"}, false, false},
		{TooManyRedirectsError{Max: 10}, false, false},
		{TransactionError{Op: "commit", State: "ready"}, false, false},
		{InvalidIdentifierError{Identifier: "x y"}, false, true},
		{ErrConnClosed, true, false},
		{ErrPoolExhausted, true, false},
		{ErrPoolClosed, false, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.transient, IsTransient(tc.err), "IsTransient(%v)", tc.err)
		assert.Equal(t, tc.terminal, IsTerminal(tc.err), "IsTerminal(%v)", tc.err)
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("checkout: %w", TimeoutError{kind: timeoutConnection})
	assert.True(t, IsTransient(err))

	err = fmt.Errorf("parse: %w", InvalidIdentifierError{Identifier: ""})
	assert.True(t, IsTerminal(err))
}

func TestErrorAccessors(t *testing.T) {
	e := Error{
		Number:     547,
		State:      1,
		Class:      16,
		Message:    "The INSERT statement conflicted with the FOREIGN KEY constraint",
		ServerName: "sqlhost",
		ProcName:   "usp_add",
		LineNo:     12,
	}
	assert.Equal(t, int32(547), e.SQLErrorNumber())
	assert.Equal(t, uint8(1), e.SQLErrorState())
	assert.Equal(t, uint8(16), e.SQLErrorClass())
	assert.Equal(t, "sqlhost", e.SQLErrorServerName())
	assert.Equal(t, "usp_add", e.SQLErrorProcName())
	assert.Equal(t, int32(12), e.SQLErrorLineNo())
	assert.Contains(t, e.Error(), e.Message)
}
