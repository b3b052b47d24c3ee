package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/apitypes"
)

func TestMcpServerCRUD(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	rec := apitypes.McpServerRecord{ServerID: "m1", DisplayName: "tool server"}
	created, err := r.CreateMcpServer(ctx, rec)
	require.NoError(t, err)
	require.NotZero(t, created.UpdatedAtMs)

	_, err = r.CreateMcpServer(ctx, rec)
	require.ErrorIs(t, err, apitypes.ErrAlreadyExists)

	created.DisplayName = "renamed"
	updated, err := r.UpdateMcpServer(ctx, created)
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.DisplayName)

	got, ok, err := r.GetMcpServer(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "renamed", got.DisplayName)

	list, err := r.ListMcpServers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, r.DeleteMcpServer(ctx, "m1"))
	_, ok, err = r.GetMcpServer(ctx, "m1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateMcpServer_NotFound(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	_, err := r.UpdateMcpServer(ctx, apitypes.McpServerRecord{ServerID: "missing"})
	require.ErrorIs(t, err, apitypes.ErrNotFound)
}
