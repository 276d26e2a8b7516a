package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func operationCols() []string {
	return []string{"tx_id", "wallet_id", "kind", "status", "token", "amount_micros", "to_address", "tx_hash",
		"provider_order_id", "idempotency_key", "meta", "created_at", "updated_at"}
}

func operationRow(txID uuid.UUID, status string, txHash *string) *pgxmock.Rows {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return pgxmock.NewRows(operationCols()).AddRow(
		txID, "w_main", "send", status, "USDC", int64(12_500_000),
		ptr("0xabc"), txHash, (*string)(nil), "key-1", []byte(`{}`), now, now,
	)
}

func TestOperationRepo_CreatePending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	to := "0xabc"

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO operations").
		WithArgs(pgxmock.AnyArg(), "w_main", "send", "pending", "USDC", "12.5", int64(12_500_000),
			&to, "key-1", []byte(`{}`)).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	op, err := repo.CreatePending(ctx, tx, &domain.NewOperation{
		WalletID:       "w_main",
		Kind:           domain.OperationKindSend,
		Token:          "USDC",
		Amount:         12_500_000,
		ToAddress:      &to,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, op.TxID)
	assert.Equal(t, domain.OperationStatusPending, op.Status)
	assert.Equal(t, now, op.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepo_GetByIdempotencyKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	txID := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM operations WHERE idempotency_key").
		WithArgs("key-1").
		WillReturnRows(operationRow(txID, "broadcasted", ptr("0xhash")))

	op, err := repo.GetByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, txID, op.TxID)
	assert.Equal(t, domain.OperationStatusBroadcasted, op.Status)
	assert.Equal(t, domain.Micros(12_500_000), op.Amount)
	assert.Equal(t, "0xhash", *op.TxHash)
	assert.Nil(t, op.ProviderOrderID)
	assert.Nil(t, op.Meta, "empty meta object is not surfaced")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	txID := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM operations WHERE tx_id").
		WithArgs(txID).
		WillReturnRows(pgxmock.NewRows(operationCols()))

	op, err := repo.GetByID(context.Background(), txID)
	assert.NoError(t, err)
	assert.Nil(t, op)
}

func TestOperationRepo_UpdateStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	ctx := context.Background()
	txID := uuid.New()
	hash := "0xhash"

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE operations SET").
		WithArgs(txID, "broadcasted", &hash, (*string)(nil)).
		WillReturnRows(operationRow(txID, "broadcasted", &hash))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	op, err := repo.UpdateStatus(ctx, tx, txID, domain.FinalizeUpdate{
		Status: domain.OperationStatusBroadcasted,
		TxHash: &hash,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusBroadcasted, op.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepo_UpdateStatus_Missing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	ctx := context.Background()
	txID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE operations SET").
		WithArgs(txID, "failed", (*string)(nil), (*string)(nil)).
		WillReturnRows(pgxmock.NewRows(operationCols()))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	_, err = repo.UpdateStatus(ctx, tx, txID, domain.FinalizeUpdate{Status: domain.OperationStatusFailed})
	assert.ErrorContains(t, err, "not found")
}

func TestOperationRepo_SpendStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	ctx := context.Background()
	since := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM operations WHERE wallet_id").
		WithArgs("w_main", "USDC", since,
			[]string{"pending", "broadcasted", "confirmed", "submitted", "filled"}).
		WillReturnRows(pgxmock.NewRows([]string{"sum", "count"}).AddRow(int64(450_000_000), int64(3)))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	stats, err := repo.SpendStats(ctx, tx, "w_main", "USDC", since)
	require.NoError(t, err)
	assert.Equal(t, domain.Micros(450_000_000), stats.TodaySpent)
	assert.Equal(t, 3, stats.TodayTxCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepo_ListByStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := pgxmock.NewRows(operationCols()).
		AddRow(a, "w_main", "send", "broadcasted", "USDC", int64(1_000_000), ptr("0xabc"), ptr("0x1"),
			(*string)(nil), "k-a", []byte(`{}`), now, now).
		AddRow(b, "w_main", "buy", "pending", "USDC", int64(2_000_000), (*string)(nil), (*string)(nil),
			(*string)(nil), "k-b", []byte(`{"market":"m-1"}`), now, now)

	mock.ExpectQuery("SELECT .+ FROM operations WHERE status = ANY").
		WithArgs([]string{"broadcasted", "pending"}, cutoff, 25).
		WillReturnRows(rows)

	ops, err := repo.ListByStatus(context.Background(),
		[]domain.OperationStatus{domain.OperationStatusBroadcasted, domain.OperationStatusPending}, cutoff, 25)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, a, ops[0].TxID)
	assert.JSONEq(t, `{"market":"m-1"}`, string(ops[1].Meta))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepo_Delete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOperationRepo(mock)
	ctx := context.Background()
	txID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM operations").
		WithArgs(txID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	assert.NoError(t, repo.Delete(ctx, tx, txID))
	assert.NoError(t, mock.ExpectationsWereMet())
}
