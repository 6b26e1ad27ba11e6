package handler

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestTx(t *testing.T) *sql.Tx {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tx, err := db.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func TestTable_CreateFindUniqueUpdateDelete(t *testing.T) {
	tx := openTestTx(t)
	db := NewDB(tx, nil)

	accounts, err := db.Table("accounts")
	require.NoError(t, err)

	require.NoError(t, accounts.Create("0xabc", map[string]any{"balance": float64(100)}))

	row, ok, err := accounts.FindUnique("0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(100), row.Data["balance"])

	require.NoError(t, accounts.Update("0xabc", map[string]any{"balance": float64(150)}))
	row, ok, err = accounts.FindUnique("0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(150), row.Data["balance"])

	require.NoError(t, accounts.Delete("0xabc"))
	_, ok, err = accounts.FindUnique("0xabc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTable_UpdateWithFunc(t *testing.T) {
	tx := openTestTx(t)
	db := NewDB(tx, nil)

	accounts, err := db.Table("accounts")
	require.NoError(t, err)
	require.NoError(t, accounts.Create("0xabc", map[string]any{"balance": float64(100)}))

	err = accounts.Update("0xabc", func(current map[string]any) map[string]any {
		bal := current["balance"].(float64)
		return map[string]any{"balance": bal + 25}
	})
	require.NoError(t, err)

	row, _, err := accounts.FindUnique("0xabc")
	require.NoError(t, err)
	require.Equal(t, float64(125), row.Data["balance"])
}

func TestTable_Upsert(t *testing.T) {
	tx := openTestTx(t)
	db := NewDB(tx, nil)

	accounts, err := db.Table("accounts")
	require.NoError(t, err)

	require.NoError(t, accounts.Upsert("0xabc", map[string]any{"balance": float64(10)}, map[string]any{"balance": float64(20)}))
	row, _, err := accounts.FindUnique("0xabc")
	require.NoError(t, err)
	require.Equal(t, float64(10), row.Data["balance"])

	require.NoError(t, accounts.Upsert("0xabc", map[string]any{"balance": float64(999)}, map[string]any{"balance": float64(20)}))
	row, _, err = accounts.FindUnique("0xabc")
	require.NoError(t, err)
	require.Equal(t, float64(20), row.Data["balance"])
}

func TestTable_FindManyFiltersAndOrders(t *testing.T) {
	tx := openTestTx(t)
	db := NewDB(tx, nil)

	accounts, err := db.Table("accounts")
	require.NoError(t, err)

	require.NoError(t, accounts.Create("a", map[string]any{"balance": float64(10)}))
	require.NoError(t, accounts.Create("b", map[string]any{"balance": float64(20)}))
	require.NoError(t, accounts.Create("c", map[string]any{"balance": float64(30)}))

	rows, err := accounts.FindMany(FindManyArgs{
		Where:   map[string]Condition{"balance": {Gte: float64(20)}},
		OrderBy: "balance",
		Desc:    true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "c", rows[0].ID)
	require.Equal(t, "b", rows[1].ID)
}

func TestTable_CreateManyAndUpdateMany(t *testing.T) {
	tx := openTestTx(t)
	db := NewDB(tx, nil)

	accounts, err := db.Table("accounts")
	require.NoError(t, err)

	require.NoError(t, accounts.CreateMany(map[string]map[string]any{
		"a": {"balance": float64(1), "active": true},
		"b": {"balance": float64(2), "active": true},
	}))

	require.NoError(t, accounts.UpdateMany(map[string]Condition{"active": {Eq: true}}, map[string]any{"active": false}))

	rows, err := accounts.FindMany(FindManyArgs{Where: map[string]Condition{"active": {Eq: false}}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
