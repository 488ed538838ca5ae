package tx

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextBinding(t *testing.T) {
	ctx := context.Background()

	_, ok := From(ctx)
	assert.False(t, ok)
	assert.Equal(t, ctx, WithTx(ctx, nil), "nil transactions are not bound")

	db := &sql.DB{}
	assert.Same(t, db, Conn(ctx, db))

	tx := &sql.Tx{}
	bound := WithTx(ctx, tx)
	got, ok := From(bound)
	assert.True(t, ok)
	assert.Same(t, tx, got)
	assert.Same(t, tx, Conn(bound, db))
}
