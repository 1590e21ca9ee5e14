package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/btwiuse/x402-vara-next-demo"
	"github.com/btwiuse/x402-vara-next-demo/test/mocks/cash"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "settlements.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, amount := range []string{"100", "200", "300"} {
		require.NoError(t, s.Record(ctx, &SettlementRecord{
			RequestID: "req",
			TxHash:    "0x" + amount,
			Network:   "base-sepolia",
			Scheme:    "exact",
			Payer:     "0xpayer",
			PayTo:     "0xshop",
			Amount:    amount,
			Status:    StatusSettled,
			Duration:  1500 * time.Millisecond,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Record(ctx, &SettlementRecord{
		RequestID: "req-2",
		Network:   "base-sepolia",
		Scheme:    "exact",
		Payer:     "0xother",
		PayTo:     "0xshop",
		Amount:    "1",
		Status:    StatusFailed,
		Error:     "settlement timeout",
	}))

	records, err := s.ListByPayer(ctx, "0xpayer", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "300", records[0].Amount)
	assert.Equal(t, "200", records[1].Amount)
	assert.Equal(t, 1500*time.Millisecond, records[0].Duration)
	assert.Equal(t, base.Add(2*time.Minute), records[0].CreatedAt)
	assert.NotEmpty(t, records[0].ID)

	rec, err := s.GetByTxHash(ctx, "0x100")
	require.NoError(t, err)
	assert.Equal(t, "100", rec.Amount)
	assert.Equal(t, StatusSettled, rec.Status)

	_, err = s.GetByTxHash(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusSettled: 3, StatusFailed: 1}, counts)
}

func TestAttachLogsSettlements(t *testing.T) {
	s := openTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger := cash.NewLedger()
	f := x402.NewFacilitator(x402.WithFacilitatorLogger(logger)).Register(cash.Network, ledger)
	Attach(f, s)

	wallet := cash.NewWallet()
	requirement := x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           cash.Network,
		MaxAmountRequired: "5000",
		PayTo:             "f00dbabe",
		MaxTimeoutSeconds: 60,
	}
	payload, err := x402.NewClient(x402.WithScheme(cash.Network, wallet)).CreatePaymentPayload(context.Background(), requirement)
	require.NoError(t, err)
	header, err := x402.EncodePaymentPayload(payload)
	require.NoError(t, err)

	request := x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: header, PaymentRequirement: requirement}
	first, err := f.Settle(context.Background(), request)
	require.NoError(t, err)
	require.True(t, first.Success)
	second, err := f.Settle(context.Background(), request)
	require.NoError(t, err)
	require.False(t, second.Success)

	records, err := s.ListByPayer(context.Background(), wallet.Address(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.TxHash, records[0].TxHash)
	assert.Equal(t, "5000", records[0].Amount)
	assert.Equal(t, string(cash.Network), records[0].Network)

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusSettled])
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestRecordWithMockDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	created := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	mock.ExpectExec("INSERT INTO settlements").
		WithArgs("id-1", "req-1", "0xtx", "base", "exact", "0xpayer", "0xshop", "10", "0xusdc", "settled", "", int64(250), created.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.Record(context.Background(), &SettlementRecord{
		ID:        "id-1",
		RequestID: "req-1",
		TxHash:    "0xtx",
		Network:   "base",
		Scheme:    "exact",
		Payer:     "0xpayer",
		PayTo:     "0xshop",
		Amount:    "10",
		Asset:     "0xusdc",
		Status:    StatusSettled,
		Duration:  250 * time.Millisecond,
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordGeneratesID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO settlements").
		WithArgs(sqlmock.AnyArg(), "", "", "", "", "", "", "", "", "failed", "boom", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &SettlementRecord{Status: StatusFailed, Error: "boom"}
	require.NoError(t, New(db).Record(context.Background(), rec))
	assert.Len(t, rec.ID, 36)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestRecordPropagatesDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO settlements").WillReturnError(errors.New("disk full"))

	err = New(db).Record(context.Background(), &SettlementRecord{Status: StatusSettled})
	assert.ErrorContains(t, err, "disk full")
}

func TestListByPayerScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	columns := []string{"id", "request_id", "tx_hash", "network", "scheme", "payer", "pay_to", "amount", "asset", "status", "error", "duration_ms", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM settlements WHERE payer = ").
		WithArgs("0xpayer", 100).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			[]driver.Value{"id", "req", "0xtx", "base", "exact", "0xpayer", "0xshop", "1", "", "settled", "", 10, "not-a-time"}...,
		))

	_, err = New(db).ListByPayer(context.Background(), "0xpayer", 0)
	assert.ErrorContains(t, err, "parsing created_at")
	assert.NoError(t, mock.ExpectationsWereMet())
}
