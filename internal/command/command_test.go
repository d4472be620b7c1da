package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"domain":"gameserver","instruction":"Shutdown","arguments":[true]}`))
	require.NoError(t, err)
	assert.Equal(t, DomainGameServer, env.Domain)
	assert.Equal(t, "Shutdown", env.Instruction)

	force, err := env.Arguments.Bool(0, false)
	require.NoError(t, err)
	assert.True(t, force)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `shutdown please`},
		{"missing domain", `{"instruction":"Status"}`},
		{"missing instruction", `{"domain":"imagegen"}`},
		{"wrong arguments type", `{"domain":"imagegen","instruction":"Logs","arguments":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, ErrBadEnvelope)
		})
	}
}

func TestDecodeKeepsUnknownDomain(t *testing.T) {
	env, err := Decode([]byte(`{"domain":"musicbot","instruction":"Status"}`))
	require.NoError(t, err)
	assert.Equal(t, Domain("musicbot"), env.Domain)
}

func TestArgsBool(t *testing.T) {
	args := Args{true, 0.0, "yes?", "false", map[string]interface{}{}, nil}

	v, err := args.Bool(0, false)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = args.Bool(1, true)
	require.NoError(t, err)
	assert.False(t, v)

	_, err = args.Bool(2, false)
	assert.ErrorIs(t, err, ErrBadArgument)

	v, err = args.Bool(3, true)
	require.NoError(t, err)
	assert.False(t, v)

	_, err = args.Bool(4, false)
	assert.ErrorIs(t, err, ErrBadArgument)

	v, err = args.Bool(5, true)
	require.NoError(t, err)
	assert.True(t, v, "nil falls back to default")

	v, err = args.Bool(99, true)
	require.NoError(t, err)
	assert.True(t, v, "missing falls back to default")
}

func TestArgsInt(t *testing.T) {
	args := Args{5.0, "12", 2.5, "many", true}

	n, err := args.Int(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = args.Int(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = args.Int(2, 0)
	assert.ErrorIs(t, err, ErrBadArgument)

	_, err = args.Int(3, 0)
	assert.ErrorIs(t, err, ErrBadArgument)

	_, err = args.Int(4, 0)
	assert.ErrorIs(t, err, ErrBadArgument)

	n, err = args.Int(7, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestParseArgs(t *testing.T) {
	assert.Equal(t, Args{true, float64(10), "world1"}, ParseArgs([]string{"true", "10", "world1"}))
}

func TestResponseKinds(t *testing.T) {
	assert.True(t, Warnf("players online: %d", 2).IsWarning())
	assert.True(t, Failf("boom").IsFailure())
	plain := Textf("Online")
	assert.False(t, plain.IsWarning())
	assert.False(t, plain.IsFailure())

	body, err := plain.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"Online"}`, string(body))
}

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, instruction string, args Args) Response {
	return Textf("%s", instruction)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(DomainImageGen, echoExecutor{}))
	require.NoError(t, r.Register(DomainGameServer, echoExecutor{}))

	assert.Error(t, r.Register(DomainGameServer, echoExecutor{}), "duplicate domain")
	assert.Error(t, r.Register("", echoExecutor{}))
	assert.Error(t, r.Register("other", nil))

	_, ok := r.Lookup(DomainGameServer)
	assert.True(t, ok)
	_, ok = r.Lookup("musicbot")
	assert.False(t, ok)

	assert.Equal(t, []Domain{DomainGameServer, DomainImageGen}, r.Domains())
}
