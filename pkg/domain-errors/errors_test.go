package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndHasCode(t *testing.T) {
	cause := errors.New("row locked")

	t.Run("wrap keeps the cause reachable", func(t *testing.T) {
		err := Wrap(cause, CodeConflict, "instance changed")
		require.Error(t, err)
		assert.True(t, HasCode(err, CodeConflict))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "instance changed: row locked", err.Error())
	})

	t.Run("wrap of nil is nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "unused"))
	})

	t.Run("outermost code wins through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("accept offer: %w", New(CodeInsufficientAssets, "offerer lacks packs"))
		assert.True(t, Is(err, CodeInsufficientAssets))
		assert.Equal(t, CodeInsufficientAssets, CodeOf(err))
		assert.Equal(t, "offerer lacks packs", MessageOf(err))
	})

	t.Run("plain errors map to internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(cause))
		assert.False(t, HasCode(cause, CodeNotFound))
	})
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:         http.StatusBadRequest,
		CodeForbidden:          http.StatusForbidden,
		CodeNotFound:           http.StatusNotFound,
		CodeInstanceBusy:       http.StatusConflict,
		CodeAlreadyClosed:      http.StatusConflict,
		CodeInsufficientAssets: http.StatusUnprocessableEntity,
		CodeSupplyExhausted:    http.StatusUnprocessableEntity,
		CodeContentUnavailable: http.StatusGone,
		CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}
