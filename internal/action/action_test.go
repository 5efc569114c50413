package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHasNoopByDefault(t *testing.T) {
	r := NewRegistry()

	a, err := r.Get("noop")
	require.NoError(t, err)

	res, err := a.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "noop", res.Detail)
}

func TestUnknownActionTypeIsTypedError(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("launch_missiles")
	require.Error(t, err)

	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "launch_missiles", unknown.ActionType)
}

type echoAction struct{}

func (echoAction) Type() string { return "echo" }

func (echoAction) Validate(payload map[string]any) error {
	if _, ok := payload["message"]; !ok {
		return errors.New("missing message")
	}
	return nil
}

func (echoAction) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	return Result{Detail: payload["message"].(string)}, nil
}

func TestRegisterAndValidate(t *testing.T) {
	r := NewRegistry()
	r.Register(echoAction{})

	a, err := r.Get("echo")
	require.NoError(t, err)

	assert.Error(t, a.Validate(map[string]any{}))
	assert.NoError(t, a.Validate(map[string]any{"message": "hi"}))

	assert.ElementsMatch(t, []string{"noop", "echo"}, r.Types())
}
