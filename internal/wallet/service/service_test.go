package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardvault/internal/storage/memory"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
)

func TestGrantAndBalance(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New().Repos().Wallets)
	admin := id.Actor{UserID: id.NewUserID(), Admin: true}
	user := id.NewUserID()

	t.Run("new users start empty", func(t *testing.T) {
		w, err := svc.Balance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(0), w.Packs)
	})

	t.Run("admin grant credits packs", func(t *testing.T) {
		w, err := svc.Grant(ctx, admin, user, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), w.Packs)

		w, err = svc.Grant(ctx, admin, user, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(7), w.Packs)
	})

	t.Run("non-admin is forbidden", func(t *testing.T) {
		_, err := svc.Grant(ctx, id.Actor{UserID: user}, user, 5)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	t.Run("non-positive grant fails validation", func(t *testing.T) {
		for _, packs := range []int64{0, -3} {
			_, err := svc.Grant(ctx, admin, user, packs)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		}
	})
}
