package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/account-guard/internal/model"
	"github.com/iliyamo/account-guard/internal/repository"
	"github.com/iliyamo/account-guard/internal/testutil"
)

func TestAccountRepo(t *testing.T) {
	db := testutil.OpenSQLite(t)
	repo := repository.NewAccountRepo(db)
	ctx := context.Background()

	id, err := repo.CreateTx(ctx, db, &model.Account{Username: "  Alice ", PasswordHash: "h", Role: "ADMIN", CreatedOn: 10, UpdatedOn: 10})
	require.NoError(t, err)
	require.NotZero(t, id)

	_, err = repo.CreateTx(ctx, db, &model.Account{Username: "alice", PasswordHash: "h", Role: "ADMIN"})
	require.ErrorIs(t, err, repository.ErrConflict)

	a, err := repo.GetByUsernameTx(ctx, db, "ALICE")
	require.NoError(t, err)
	require.Equal(t, id, a.ID)
	require.Equal(t, "alice", a.Username)
	require.False(t, a.Disabled)

	a.Disabled = true
	a.TOTPEnabled = true
	a.Checksum = []byte{1, 2, 3}
	require.NoError(t, repo.UpdateTx(ctx, db, a))

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Disabled)
	require.True(t, got.TOTPEnabled)
	require.Equal(t, []byte{1, 2, 3}, got.Checksum)

	_, err = repo.GetByID(ctx, id+100)
	require.ErrorIs(t, err, repository.ErrAccountNotFound)
	require.ErrorIs(t, repo.UpdateTx(ctx, db, &model.Account{ID: id + 100}), repository.ErrAccountNotFound)

	_, err = repo.CreateTx(ctx, db, &model.Account{Username: "bob", PasswordHash: "h", Role: "OPERATOR"})
	require.NoError(t, err)
	list, err := repo.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "alice", list[0].Username)
	require.Equal(t, "bob", list[1].Username)
}

func TestSessionRepo(t *testing.T) {
	db := testutil.OpenSQLite(t)
	accounts := repository.NewAccountRepo(db)
	repo := repository.NewSessionRepo(db)
	ctx := context.Background()

	acct, err := accounts.CreateTx(ctx, db, &model.Account{Username: "carol", PasswordHash: "h", Role: "OPERATOR"})
	require.NoError(t, err)

	_, ok, err := repo.LatestIssuedOnByIPTx(ctx, db, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, ok)

	token := make([]byte, 32)
	token[0] = 7
	id, err := repo.CreateTx(ctx, db, &model.Session{
		Kind: model.DeviceWeb, Token: token, AccountID: acct, IP: "10.0.0.1",
		IssuedOn: 100, LastUsedOn: 100, Secret: []byte("sealed"),
	})
	require.NoError(t, err)
	_, err = repo.CreateTx(ctx, db, &model.Session{
		Kind: model.DeviceApp, Token: token, AccountID: acct, IP: "10.0.0.2",
		IssuedOn: 100, LastUsedOn: 100, Secret: []byte("sealed"),
	})
	require.ErrorIs(t, err, repository.ErrConflict)

	last, ok, err := repo.LatestIssuedOnByIPTx(ctx, db, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100, last)

	s, err := repo.GetByTokenTx(ctx, db, token)
	require.NoError(t, err)
	require.Equal(t, id, s.ID)
	require.Equal(t, model.DeviceWeb, s.Kind)
	require.Nil(t, s.Last2FACode)

	code := "654321"
	s.Last2FACode = &code
	s.Last2FAOn = 150
	require.NoError(t, repo.UpdateTx(ctx, db, s))
	require.NoError(t, repo.TouchTx(ctx, db, id, 160))

	s, err = repo.GetByIDTx(ctx, db, id)
	require.NoError(t, err)
	require.NotNil(t, s.Last2FACode)
	require.Equal(t, code, *s.Last2FACode)
	require.EqualValues(t, 150, s.Last2FAOn)
	require.EqualValues(t, 160, s.LastUsedOn)

	stale, err := repo.ListIssuedBeforeTx(ctx, db, 101, 0, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	stale, err = repo.ListIssuedBeforeTx(ctx, db, 101, id, 10)
	require.NoError(t, err)
	require.Empty(t, stale)
	stale, err = repo.ListIssuedBeforeTx(ctx, db, 100, 0, 10)
	require.NoError(t, err)
	require.Empty(t, stale)

	_, err = repo.GetByTokenTx(ctx, db, make([]byte, 32))
	require.ErrorIs(t, err, repository.ErrSessionNotFound)
}
