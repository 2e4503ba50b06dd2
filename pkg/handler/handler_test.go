package handler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckflow/deckflow/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected types.FailureClass
	}{
		{"transient failure", Transient("downstream 503", nil), types.FailureTransient},
		{"permanent failure", Permanent("malformed input", nil), types.FailurePermanent},
		{"wrapped permanent", fmt.Errorf("handler: %w", Permanent("bad pdf", nil)), types.FailurePermanent},
		{"unclassified defaults to transient", errors.New("something odd"), types.FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestFailureUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	f := Transient("api unreachable", cause)
	assert.ErrorIs(t, f, cause)
	assert.Contains(t, f.Error(), "api unreachable")
	assert.Contains(t, f.Error(), "connection refused")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Kinds())

	reg.Register("visual_analysis", Func(func(ctx context.Context, req *Request) ([]byte, error) {
		return []byte("ok"), nil
	}))
	reg.Register("slide_feedback", Func(func(ctx context.Context, req *Request) ([]byte, error) {
		return nil, nil
	}))

	assert.Equal(t, []string{"slide_feedback", "visual_analysis"}, reg.Kinds())

	h, ok := reg.Get("visual_analysis")
	require.True(t, ok)
	result, err := h.Handle(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)

	_, ok = reg.Get("unknown")
	assert.False(t, ok)
}

func TestExecHandlerSuccess(t *testing.T) {
	h, err := NewExecHandler([]string{"sh", "-c", "cat"})
	require.NoError(t, err)

	result, err := h.Handle(context.Background(), &Request{
		TaskID:  1,
		Kind:    "echoer",
		Payload: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), result)
}

func TestExecHandlerEnvironment(t *testing.T) {
	h, err := NewExecHandler([]string{"sh", "-c", "printf '%s/%s' \"$DECKFLOW_TASK_ID\" \"$DECKFLOW_TASK_KIND\""})
	require.NoError(t, err)

	result, err := h.Handle(context.Background(), &Request{TaskID: 42, Kind: "visual_analysis"})
	require.NoError(t, err)
	assert.Equal(t, "42/visual_analysis", string(result))
}

func TestExecHandlerPermanentExit(t *testing.T) {
	h, err := NewExecHandler([]string{"sh", "-c", "echo 'bad input' >&2; exit 2"})
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), &Request{})
	require.Error(t, err)
	assert.Equal(t, types.FailurePermanent, Classify(err))
	assert.Contains(t, err.Error(), "bad input")
}

func TestExecHandlerTransientExit(t *testing.T) {
	h, err := NewExecHandler([]string{"sh", "-c", "exit 1"})
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), &Request{})
	require.Error(t, err)
	assert.Equal(t, types.FailureTransient, Classify(err))
}

func TestExecHandlerCancellation(t *testing.T) {
	h, err := NewExecHandler([]string{"sleep", "30"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.Handle(ctx, &Request{})
	require.Error(t, err)
	assert.Equal(t, types.FailureTransient, Classify(err))
}

func TestNewExecHandlerRequiresCommand(t *testing.T) {
	_, err := NewExecHandler(nil)
	assert.Error(t, err)
}
