package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromErrorPreservesChain(t *testing.T) {
	root := errors.New("connection refused")
	wrapped := fmt.Errorf("dial sandbox: %w", root)

	te := FromError(wrapped)
	require.NotNil(t, te)
	assert.Equal(t, "dial sandbox: connection refused", te.Error())
	require.NotNil(t, te.Cause)
	assert.Equal(t, "connection refused", te.Cause.Message)
	assert.Nil(t, FromError(nil))
}

func TestNewWithCauseInheritsKind(t *testing.T) {
	cause := Quota("search quota exhausted", nil)
	err := NewWithCause("web search failed", cause)
	assert.Equal(t, KindQuota, err.Kind)
	assert.Equal(t, "QuotaError", err.Name())
	assert.ErrorIs(t, err, cause)

	var te *ToolError
	require.ErrorAs(t, fmt.Errorf("outer: %w", err), &te)
	assert.Equal(t, "web search failed", te.Message)
}

func TestConstructorsDefaultMessage(t *testing.T) {
	assert.Equal(t, "tool error", New("").Message)
	assert.Equal(t, KindNetwork, Network("", nil).Kind)
	assert.Equal(t, "ValidationError", Validation("bad args", nil).Name())
	assert.Equal(t, "ToolExecutionError", Errorf("exit %d", 2).Name())
	assert.Equal(t, "exit 2", Errorf("exit %d", 2).Error())
}
