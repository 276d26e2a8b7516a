package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectQuery("SELECT .+ FROM wallets WHERE id").
		WithArgs("w_main").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "address", "encrypted_key", "created_at"}).
			AddRow("w_main", "main", "0xabc", "enc-blob", now))

	w, err := repo.GetByID(context.Background(), "w_main")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "0xabc", w.Address)
	assert.Equal(t, "enc-blob", w.EncryptedKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM wallets WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "address", "encrypted_key", "created_at"}))

	w, err := repo.GetByID(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, w)
}

func TestWalletRepo_GetByID_DBError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM wallets WHERE id").
		WithArgs("w_main").
		WillReturnError(errors.New("connection reset"))

	_, err = repo.GetByID(context.Background(), "w_main")
	assert.ErrorContains(t, err, "get wallet by id")
}
