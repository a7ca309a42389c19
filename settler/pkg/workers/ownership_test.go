package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	payoutstesting "github.com/hashfleet/payouts/utils/pkg/testing"
)

type fakeStore struct {
	owners map[string]string
	err    error
}

func (f *fakeStore) OwnersByWorkerID(ctx context.Context, workerIDs []string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string)
	for _, id := range workerIDs {
		if userID, ok := f.owners[id]; ok {
			out[id] = userID
		}
	}
	return out, nil
}

func newResolver(t *testing.T, store Store) *Resolver {
	r, err := NewResolver(Config{
		Logger:          payoutstesting.NewLogger(),
		Store:           store,
		UnclaimedUserID: "user-unclaimed",
	})
	require.NoError(t, err)
	return r
}

func TestPayouts_Workers_NewResolver(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		_, err := NewResolver(Config{Store: &fakeStore{}, UnclaimedUserID: "u"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")

		_, err = NewResolver(Config{Logger: payoutstesting.NewLogger(), UnclaimedUserID: "u"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "ownership store is required")

		_, err = NewResolver(Config{Logger: payoutstesting.NewLogger(), Store: &fakeStore{}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unclaimed user id is required")
	})
}

func TestPayouts_Workers_Owners(t *testing.T) {
	t.Parallel()

	t.Run("prefers the registered mapping", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, &fakeStore{owners: map[string]string{"rig-7": "user-42"}})
		owners, err := r.Owners(context.Background(), []string{"rig-7"})
		require.NoError(t, err)
		require.Equal(t, map[string]string{"rig-7": "user-42"}, owners)
	})

	t.Run("falls back to synthetic id parsing", func(t *testing.T) {
		t.Parallel()

		workerID := "7f6c0c0a-95a4-4f7b-9c2e-0a4e6ac2d9b1.laptop-gpu"
		r := newResolver(t, &fakeStore{})
		owners, err := r.Owners(context.Background(), []string{workerID})
		require.NoError(t, err)
		require.Equal(t, "7f6c0c0a-95a4-4f7b-9c2e-0a4e6ac2d9b1", owners[workerID])
	})

	t.Run("routes unknown workers to the unclaimed bucket", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, &fakeStore{})
		owners, err := r.Owners(context.Background(), []string{"mystery-rig"})
		require.NoError(t, err)
		require.Equal(t, "user-unclaimed", owners["mystery-rig"])
	})

	t.Run("every input worker appears in the result", func(t *testing.T) {
		t.Parallel()

		workerIDs := []string{
			"rig-7",
			"7f6c0c0a-95a4-4f7b-9c2e-0a4e6ac2d9b1.rig",
			"mystery-rig",
		}
		r := newResolver(t, &fakeStore{owners: map[string]string{"rig-7": "user-42"}})
		owners, err := r.Owners(context.Background(), workerIDs)
		require.NoError(t, err)
		require.Len(t, owners, len(workerIDs))
		for _, id := range workerIDs {
			require.NotEmpty(t, owners[id])
		}
	})

	t.Run("empty input is an empty result", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, &fakeStore{})
		owners, err := r.Owners(context.Background(), nil)
		require.NoError(t, err)
		require.Empty(t, owners)
	})
}

func TestPayouts_Workers_ParseSyntheticID(t *testing.T) {
	t.Parallel()

	userID, ok := ParseSyntheticID("7f6c0c0a-95a4-4f7b-9c2e-0a4e6ac2d9b1.rig01")
	require.True(t, ok)
	require.Equal(t, "7f6c0c0a-95a4-4f7b-9c2e-0a4e6ac2d9b1", userID)

	_, ok = ParseSyntheticID("rig01")
	require.False(t, ok)

	_, ok = ParseSyntheticID("not-a-uuid.rig01")
	require.False(t, ok)

	_, ok = ParseSyntheticID("7f6c0c0a-95a4-4f7b-9c2e-0a4e6ac2d9b1")
	require.False(t, ok)
}
