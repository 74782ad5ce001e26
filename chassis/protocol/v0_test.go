package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelope(t *testing.T) {
	req := &Request{ID: "42", Method: MethodDeliver, Params: map[string]string{"attempt": "2"}}
	body, err := req.JSON()
	require.NoError(t, err)
	assert.Contains(t, body, `"jsonrpc":"2.0"`)

	decoded := &Request{}
	require.NoError(t, decoded.FromJSON(body))
	assert.Equal(t, "42", decoded.ID)
	assert.Equal(t, MethodDeliver, decoded.Method)
	assert.Equal(t, "2", decoded.Params["attempt"])
}

func TestResponsesCarryAttempt(t *testing.T) {
	req := &Request{ID: "7", Params: map[string]string{"attempt": "3"}}

	ok := NewResult(req, nil)
	assert.False(t, ok.Failed())
	assert.Equal(t, "3", ok.Result["attempt"])

	failed := NewError(req, "smtp", errors.New("connection refused"))
	assert.True(t, failed.Failed())
	assert.Equal(t, "7", failed.ID)
	assert.Equal(t, "connection refused", failed.Error["message"])
	assert.Equal(t, "3", failed.Error["attempt"])
}
