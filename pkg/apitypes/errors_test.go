package apitypes_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/apitypes"
)

func TestStatusError_ErrorPrefersMessageOverCode(t *testing.T) {
	err := apitypes.NewStatusError(apitypes.ErrNotFound, "task t1 not found")
	require.Equal(t, "task t1 not found", err.Error())
}

func TestStatusError_ErrorFallsBackToCodeWhenMessageEmpty(t *testing.T) {
	err := &apitypes.StatusError{Code: apitypes.ErrConflict}
	require.Equal(t, apitypes.ErrConflict.Error(), err.Error())
}

func TestStatusError_UnwrapsToSentinel(t *testing.T) {
	err := apitypes.NewStatusError(apitypes.ErrAlreadyExists, "node already registered")
	require.True(t, errors.Is(err, apitypes.ErrAlreadyExists))
	require.False(t, errors.Is(err, apitypes.ErrNotFound))
}
