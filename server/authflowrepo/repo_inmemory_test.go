package authflowrepo_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/server/authflowrepo"
	"github.com/stretchr/testify/require"
)

func TestUpsertGetTake(t *testing.T) {
	repo := authflowrepo.NewInMemoryRepo()
	state := &authflowrepo.AuthFlowState{
		Kind:         authflowrepo.FlowLogin,
		CodeVerifier: "verifier",
		Nonce:        "nonce",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, repo.Upsert("XYZ", state))

	state.Nonce = "mutated"
	got, err := repo.Get("XYZ")
	require.NoError(t, err)
	require.Equal(t, "nonce", got.Nonce)

	taken, err := repo.Take("XYZ")
	require.NoError(t, err)
	require.Equal(t, "verifier", taken.CodeVerifier)

	_, err = repo.Take("XYZ")
	require.ErrorIs(t, err, autherrors.ErrStateNotFound)
	_, err = repo.Get("XYZ")
	require.ErrorIs(t, err, autherrors.ErrStateNotFound)
}

func TestEmptyStateRejected(t *testing.T) {
	repo := authflowrepo.NewInMemoryRepo()
	require.Error(t, repo.Upsert("", &authflowrepo.AuthFlowState{}))
	require.Error(t, repo.Upsert("s", nil))
	_, err := repo.Take("")
	require.Error(t, err)
}

func TestTakeIsExclusive(t *testing.T) {
	repo := authflowrepo.NewInMemoryRepo()
	require.NoError(t, repo.Upsert("XYZ", &authflowrepo.AuthFlowState{CreatedAt: time.Now()}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Take("XYZ"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestDeleteExpired(t *testing.T) {
	repo := authflowrepo.NewInMemoryRepo()
	now := time.Now()
	require.NoError(t, repo.Upsert("old", &authflowrepo.AuthFlowState{CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.Upsert("new", &authflowrepo.AuthFlowState{CreatedAt: now}))

	removed, err := repo.DeleteExpired(now.Add(-15 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get("old")
	require.ErrorIs(t, err, autherrors.ErrStateNotFound)
	_, err = repo.Get("new")
	require.NoError(t, err)
}
