package aaerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestValidationFamily(t *testing.T) {
	callErr := fmt.Errorf("build: %w", &InvalidCallError{Index: 1, Target: "0xnope"})
	assert.True(t, IsValidation(callErr))
	assert.True(t, IsValidation(&ValidationError{Field: "calls", Reason: "empty"}))
	assert.False(t, IsValidation(&ProtocolError{Code: -32500}))

	var ice *InvalidCallError
	assert.True(t, errors.As(callErr, &ice))
	assert.Equal(t, 1, ice.Index)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("poll: %w", &TransportError{Provider: "pimlico", Method: "eth_getUserOperationReceipt", Err: errors.New("eof")})))
	assert.False(t, IsRetryable(&ProtocolError{Code: -32602, Message: "invalid params"}))
	assert.False(t, IsRetryable(&HashMismatchError{}))
}

func TestErrorMessagesKeepProviderText(t *testing.T) {
	err := &ProtocolError{Provider: "alchemy", Method: "eth_sendUserOperation", Code: -32500, Message: "AA21 didn't pay prefund"}
	assert.Contains(t, err.Error(), "AA21 didn't pay prefund")

	mismatch := &HashMismatchError{Stage: "submit", Expected: common.HexToHash("0x01"), Actual: common.HexToHash("0x02")}
	assert.Contains(t, mismatch.Error(), "submit")
}
