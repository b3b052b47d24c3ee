package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/runtime"
)

// ContainerRuntime dials a live containerd socket in NewContainerRuntime, so
// these tests exercise only the pieces that don't require a daemon.

func TestContainerRuntime_ValidateConfigRequiresImage(t *testing.T) {
	r := &runtime.ContainerRuntime{}
	err := r.ValidateConfig(runtime.InstanceConfig{InstanceID: "i1"})
	require.ErrorIs(t, err, runtime.ErrConfigurationErr)

	require.NoError(t, r.ValidateConfig(runtime.InstanceConfig{InstanceID: "i1", Image: "alpine:latest"}))
}

func TestContainerRuntime_Kind(t *testing.T) {
	r := &runtime.ContainerRuntime{}
	require.Equal(t, runtime.KindContainer, r.Kind())
}

func TestContainerRuntime_GetCapabilities(t *testing.T) {
	r := &runtime.ContainerRuntime{}
	caps := r.GetCapabilities()
	require.True(t, caps.SupportsMetrics)
	require.True(t, caps.SupportsHealth)
	require.ElementsMatch(t, []string{"bridge", "host"}, caps.SupportedNetworks)
}

func TestContainerRuntime_DefaultSocketPathConstant(t *testing.T) {
	require.Equal(t, "/run/containerd/containerd.sock", runtime.DefaultSocketPath)
	require.Equal(t, "spearctl", runtime.DefaultNamespace)
}
