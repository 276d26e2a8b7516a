package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policyCols() []string {
	return []string{"wallet_id", "daily_limit_micros", "per_tx_limit_micros", "max_tx_per_day",
		"allowed_tokens", "allowed_addresses", "require_approval_above_micros", "updated_at"}
}

func TestPolicyRepo_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPolicyRepo(mock)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectQuery("SELECT .+ FROM policies WHERE wallet_id").
		WithArgs("w_main").
		WillReturnRows(pgxmock.NewRows(policyCols()).AddRow(
			"w_main", ptr(int64(500_000_000)), ptr(int64(100_000_000)), ptr(int32(20)),
			[]string{"USDC"}, []string{}, (*int64)(nil), now,
		))

	p, err := repo.Get(context.Background(), "w_main")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.Micros(500_000_000), *p.DailyLimit)
	assert.Equal(t, domain.Micros(100_000_000), *p.PerTxLimit)
	assert.Equal(t, 20, *p.MaxTxPerDay)
	assert.Nil(t, p.RequireApprovalAbove, "null column means unlimited")
	assert.Equal(t, []string{"USDC"}, p.AllowedTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepo_Get_Missing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPolicyRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM policies").
		WithArgs("w_none").
		WillReturnRows(pgxmock.NewRows(policyCols()))

	p, err := repo.Get(context.Background(), "w_none")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestPolicyRepo_Upsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPolicyRepo(mock)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	daily := domain.Micros(500_000_000)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO policies .+ ON CONFLICT").
		WithArgs("w_main", ptr(int64(500_000_000)), (*int64)(nil), (*int32)(nil),
			[]string{"USDC", "POL"}, []string{}, (*int64)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(now))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	p := &domain.Policy{WalletID: "w_main", DailyLimit: &daily, AllowedTokens: []string{"USDC", "POL"}}
	require.NoError(t, repo.Upsert(ctx, tx, p))
	assert.Equal(t, now, p.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
