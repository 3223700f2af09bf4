package repository

import (
	"context"
	"testing"

	"github.com/smallbiznis/billingcore/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ID       int64 `gorm:"primaryKey"`
	TenantID int64 `gorm:"index"`
	Name     string
	Priority int
}

func TestStoreFindAndCount(t *testing.T) {
	db := dbtest.Open(t, &widget{})
	store := ProvideStore[widget](db)
	ctx := context.Background()

	require.NoError(t, store.BatchCreate(ctx, []*widget{
		{ID: 1, TenantID: 7, Name: "a", Priority: 3},
		{ID: 2, TenantID: 7, Name: "b", Priority: 1},
		{ID: 3, TenantID: 8, Name: "c", Priority: 2},
	}))

	items, err := store.Find(ctx, &widget{TenantID: 7}, OrderBy("priority", false))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Name)

	limited, err := store.Find(ctx, nil, Where("priority >= ?", 2), OrderBy("id", true), Paginate(1, 0))
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(3), limited[0].ID)

	count, err := store.Count(ctx, &widget{TenantID: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	missing, err := store.FindOne(ctx, &widget{TenantID: 99})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreWithTrxRollsBack(t *testing.T) {
	db := dbtest.Open(t, &widget{})
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, ProvideStore[widget](db).WithTrx(tx).Create(ctx, &widget{ID: 10, TenantID: 1}))
	require.NoError(t, tx.Rollback().Error)

	found, err := ProvideStore[widget](db).FindOne(ctx, &widget{ID: 10})
	require.NoError(t, err)
	assert.Nil(t, found)
}
