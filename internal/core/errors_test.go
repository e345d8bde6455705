package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorUnwrapAndIs(t *testing.T) {
	t.Parallel()

	inner := errors.New("disk full")
	err := NewAppError(ErrorCodeInternal, "save state", inner)

	require.ErrorIs(t, err, inner)
	require.True(t, errors.Is(err, &AppError{Code: ErrorCodeInternal}))
	require.False(t, errors.Is(err, &AppError{Code: ErrorCodeValidation}))
	require.Equal(t, "save state: disk full", err.Error())
}

func TestAppErrorHTTPStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		code ErrorCode
		want int
	}{
		{ErrorCodeValidation, http.StatusBadRequest},
		{ErrorCodeConflict, http.StatusConflict},
		{ErrorCodeNotFound, http.StatusNotFound},
		{ErrorCodeInternal, http.StatusInternalServerError},
		{ErrorCodeInvalidTransition, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		got := NewAppError(tc.code, "m", nil).HTTPStatus()
		require.Equal(t, tc.want, got)
	}
}

func TestAppErrorPublicMessage(t *testing.T) {
	t.Parallel()

	hidden := NewAppError(ErrorCodeInternal, "bolt bucket missing", nil)
	require.Equal(t, "internal error", hidden.PublicMessage())

	shown := NewValidationError("download_url is required", nil)
	require.Equal(t, "download_url is required", shown.PublicMessage())
}

func TestAsAppErrorThroughWrapping(t *testing.T) {
	t.Parallel()

	base := NewTaskNotFoundError("t-1")
	wrapped := fmt.Errorf("lookup: %w", base)

	got, ok := AsAppError(wrapped)
	require.True(t, ok)
	require.Equal(t, ErrorCodeNotFound, got.Code)

	_, ok = AsAppError(errors.New("plain"))
	require.False(t, ok)
}
