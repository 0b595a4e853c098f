package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(result string) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		return map[string]any{"result": result}, nil
	}
}

type fakePlugin struct {
	manifest Manifest
	register func(api *RegistrationAPI) error
}

func (f fakePlugin) Manifest() Manifest { return f.manifest }
func (f fakePlugin) Register(api *RegistrationAPI) error { return f.register(api) }

func TestRegisterPlugin_MultipleOperations(t *testing.T) {
	r := New()
	p := fakePlugin{
		manifest: Manifest{ID: "demo", Name: "Demo"},
		register: func(api *RegistrationAPI) error {
			require.NoError(t, api.RegisterOperation(Operation{Capability: "demo", Method: "ping", Handler: okHandler("pong")}))
			require.NoError(t, api.RegisterOperation(Operation{Capability: "demo", Method: "echo", Handler: okHandler("echo")}))
			return nil
		},
	}

	require.NoError(t, r.RegisterPlugin(p))

	_, ok := r.Resolve("demo", "ping")
	assert.True(t, ok)
	_, ok = r.Resolve("demo", "echo")
	assert.True(t, ok)
	assert.Len(t, r.Manifests(), 1)
}

func TestRegisterPlugin_RollsBackOnRegisterError(t *testing.T) {
	r := New()
	p := fakePlugin{
		manifest: Manifest{ID: "broken"},
		register: func(api *RegistrationAPI) error {
			require.NoError(t, api.RegisterOperation(Operation{Capability: "broken", Method: "op", Handler: okHandler("x")}))
			return errors.New("setup failed")
		},
	}

	err := r.RegisterPlugin(p)
	require.Error(t, err)

	_, ok := r.Resolve("broken", "op")
	assert.False(t, ok, "operations from a failed Register must not be visible")
	assert.Empty(t, r.Manifests())
}

func TestRegisterPlugin_RejectsDuplicateID(t *testing.T) {
	r := New()
	p := fakePlugin{
		manifest: Manifest{ID: "dup"},
		register: func(api *RegistrationAPI) error {
			return api.RegisterOperation(Operation{Capability: "dup", Method: "op", Handler: okHandler("x")})
		},
	}
	require.NoError(t, r.RegisterPlugin(p))
	assert.Error(t, r.RegisterPlugin(p))
}

func TestRegisterPlugin_RejectsCapabilityMethodCollision(t *testing.T) {
	r := New()
	first := fakePlugin{
		manifest: Manifest{ID: "first"},
		register: func(api *RegistrationAPI) error {
			return api.RegisterOperation(Operation{Capability: "tasks", Method: "create", Handler: okHandler("x")})
		},
	}
	second := fakePlugin{
		manifest: Manifest{ID: "second"},
		register: func(api *RegistrationAPI) error {
			return api.RegisterOperation(Operation{Capability: "tasks", Method: "create", Handler: okHandler("y")})
		},
	}

	require.NoError(t, r.RegisterPlugin(first))
	err := r.RegisterPlugin(second)
	require.Error(t, err)

	_, ok := r.Resolve("tasks", "create")
	require.True(t, ok)
	assert.Empty(t, r.Manifests()[1:])
}

func TestProfile_Meets(t *testing.T) {
	assert.True(t, ProfileMaintainer.Meets(ProfileViewer))
	assert.True(t, ProfileOperator.Meets(ProfileOperator))
	assert.False(t, ProfileViewer.Meets(ProfileOperator))
	assert.False(t, ProfileOperator.Meets(ProfileMaintainer))
}

func TestInvoke_LazyLoadResolvesOnce(t *testing.T) {
	r := New()
	loads := 0
	p := fakePlugin{
		manifest: Manifest{ID: "lazy"},
		register: func(api *RegistrationAPI) error {
			return api.RegisterOperation(Operation{
				Capability: "lazy",
				Method:     "op",
				Load: func() (Handler, error) {
					loads++
					return okHandler("loaded"), nil
				},
			})
		},
	}
	require.NoError(t, r.RegisterPlugin(p))

	op, ok := r.Resolve("lazy", "op")
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		result, err := r.Invoke(context.Background(), op, Request{Capability: "lazy", Method: "op"})
		require.NoError(t, err)
		assert.Equal(t, "loaded", result["result"])
	}
	assert.Equal(t, 1, loads, "Load must resolve at most once")
}

func TestInvoke_PropagatesLoadError(t *testing.T) {
	r := New()
	p := fakePlugin{
		manifest: Manifest{ID: "failing"},
		register: func(api *RegistrationAPI) error {
			return api.RegisterOperation(Operation{
				Capability: "failing",
				Method:     "op",
				Load:       func() (Handler, error) { return nil, errors.New("import failed") },
			})
		},
	}
	require.NoError(t, r.RegisterPlugin(p))

	op, ok := r.Resolve("failing", "op")
	require.True(t, ok)

	_, err := r.Invoke(context.Background(), op, Request{})
	assert.Error(t, err)
}

func TestRegisterOperation_RequiresHandlerOrLoad(t *testing.T) {
	api := &RegistrationAPI{pluginID: "x"}
	err := api.RegisterOperation(Operation{Capability: "c", Method: "m"})
	assert.Error(t, err)
}

func TestRegisterOperation_RequiresCapabilityAndMethod(t *testing.T) {
	api := &RegistrationAPI{pluginID: "x"}
	err := api.RegisterOperation(Operation{Handler: okHandler("x")})
	assert.Error(t, err)
}
