package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orquesta/pkg/schema"
)

func echoAgent(id string) AgentFunc {
	return AgentFunc{
		AgentID: id,
		Desc:    "echoes its inputs",
		Fn: func(_ context.Context, inputs map[string]schema.Value) (schema.Value, error) {
			fields := make(map[string]schema.Value, len(inputs))
			for k, v := range inputs {
				fields[k] = v
			}
			return schema.Object(fields), nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoAgent("echo")))

	agent, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", agent.ID())
	assert.True(t, r.Has("echo"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoAgent("echo")))

	err := r.Register(echoAgent("echo"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := NewRegistry()

	err := r.Register(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = r.Register(echoAgent(""))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.False(t, r.Has("ghost"))
}

func TestRegistry_ListSortedByID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoAgent("zeta")))
	require.NoError(t, r.Register(echoAgent("alpha")))
	require.NoError(t, r.Register(echoAgent("mid")))

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, "mid", infos[1].ID)
	assert.Equal(t, "zeta", infos[2].ID)
	assert.Equal(t, "echoes its inputs", infos[0].Description)
}

func TestRegistry_InvokeDispatches(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoAgent("echo")))

	out, err := r.Invoke(context.Background(), "echo", map[string]schema.Value{
		"msg": schema.String("hi"),
	})
	require.NoError(t, err)
	msg, ok := out.Field("msg")
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Unwrap())
}

func TestRegistry_InvokeMissingAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
