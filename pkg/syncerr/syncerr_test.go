package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := New(KindIntegrity, "hash mismatch")
	wrapped := fmt.Errorf("session failed: %w", inner)

	assert.Equal(t, KindIntegrity, KindOf(wrapped))
	var se *Error
	assert.True(t, errors.As(wrapped, &se))
}

func TestUnclassifiedDefaultsToTransport(t *testing.T) {
	assert.Equal(t, KindTransport, KindOf(errors.New("plain")))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindCrypto, "x", nil))
}

func TestRoutingTable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		strike    bool
	}{
		{KindTransport, true, false},
		{KindCapacity, true, false},
		{KindOracle, true, false},
		{KindCrypto, false, true},
		{KindProtocol, false, true},
		{KindIntegrity, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "x")
			assert.Equal(t, tt.retryable, Retryable(err))
			assert.Equal(t, tt.strike, Strike(err))
		})
	}
}
