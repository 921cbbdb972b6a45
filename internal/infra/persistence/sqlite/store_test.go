package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"erpcore/pkg/query"
	"erpcore/pkg/storage"
)

func emptyPlan(model string) *query.Plan {
	return &query.Plan{Model: model, Root: query.AndNode{}}
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "erp.db")
	ctx := context.Background()

	s := openStore(t, path)
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		ids, err := tx.Insert("partner", []storage.Row{
			{"name": "acme", "credit": int64(100)},
			{"name": "globex", "credit": float64(2.5)},
		})
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, ids)
		return tx.AddLinks("partner_tag_rel", 1, []int64{7})
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	err = reopened.View(ctx, func(v storage.View) error {
		rows, err := v.Fetch("partner", []int64{1, 2}, []string{"name", "credit"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, "acme", rows[1]["name"])
		// integers and floats are restored as their canonical types
		require.Equal(t, int64(100), rows[1]["credit"])
		require.Equal(t, float64(2.5), rows[2]["credit"])

		links, err := v.Links("partner_tag_rel", []int64{1})
		require.NoError(t, err)
		require.Equal(t, []int64{7}, links[1])
		return nil
	})
	require.NoError(t, err)

	// the id sequence resumes where it left off
	err = reopened.RunInTransaction(ctx, func(tx storage.Tx) error {
		ids, err := tx.Insert("partner", []storage.Row{{"name": "hooli"}})
		require.NoError(t, err)
		require.Equal(t, []int64{3}, ids)
		return nil
	})
	require.NoError(t, err)
}

func TestFailedTransactionPersistsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "erp.db")
	ctx := context.Background()
	boom := errors.New("boom")

	s := openStore(t, path)
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		_, err := tx.Insert("partner", []storage.Row{{"name": "ghost"}})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	err = reopened.View(ctx, func(v storage.View) error {
		n, err := v.Count("partner", emptyPlan("partner"))
		require.NoError(t, err)
		require.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateAndDeleteSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "erp.db")
	ctx := context.Background()

	s := openStore(t, path)
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		_, err := tx.Insert("partner", []storage.Row{{"name": "acme"}, {"name": "globex"}})
		return err
	})
	require.NoError(t, err)
	err = s.RunInTransaction(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.Update("partner", []int64{1}, storage.Row{"name": "acme-renamed"}))
		return tx.Delete("partner", []int64{2})
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	err = reopened.View(ctx, func(v storage.View) error {
		rows, err := v.Fetch("partner", []int64{1, 2}, []string{"name"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, "acme-renamed", rows[1]["name"])
		return nil
	})
	require.NoError(t, err)
}

func TestDefaultPath(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	s := openStore(t, "")
	require.Equal(t, "erpcore.db", s.Path())
	require.NotNil(t, s.DB())
}
