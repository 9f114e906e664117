package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vinowpay/internal/common/database"
	"vinowpay/internal/recon"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Insert(ctx context.Context, rec *Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockStore) Update(ctx context.Context, rec *Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockStore) Get(ctx context.Context, merchantID, id string) (*Record, error) {
	args := m.Called(ctx, merchantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func (m *mockStore) GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*Record, error) {
	args := m.Called(ctx, merchantID, periodStart, periodEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func (m *mockStore) History(ctx context.Context, merchantID string, filter HistoryFilter, limit, offset int) ([]*Record, int64, error) {
	args := m.Called(ctx, merchantID, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*Record), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) LastCompleted(ctx context.Context, merchantID string) (*Record, error) {
	args := m.Called(ctx, merchantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func (m *mockStore) RefreshDailySummaries(ctx context.Context, merchantID string, periodStart, periodEnd time.Time, feeBasisPoints int64) error {
	args := m.Called(ctx, merchantID, periodStart, periodEnd, feeBasisPoints)
	return args.Error(0)
}

func (m *mockStore) SummaryTotals(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (int64, int64, int, error) {
	args := m.Called(ctx, merchantID, periodStart, periodEnd)
	return args.Get(0).(int64), args.Get(1).(int64), args.Int(2), args.Error(3)
}

func (m *mockStore) PendingOrders(ctx context.Context, merchantID string, since time.Time) (int, int64, error) {
	args := m.Called(ctx, merchantID, since)
	return args.Int(0), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) SettledTotal(ctx context.Context, merchantID string) (int64, error) {
	args := m.Called(ctx, merchantID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) BankAccount(ctx context.Context, merchantID string) (BankAccount, error) {
	args := m.Called(ctx, merchantID)
	return args.Get(0).(BankAccount), args.Error(1)
}

type mockRecons struct {
	mock.Mock
}

func (m *mockRecons) GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*recon.Log, error) {
	args := m.Called(ctx, merchantID, periodStart, periodEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*recon.Log), args.Error(1)
}

type mockBank struct {
	mock.Mock
}

func (m *mockBank) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func newTestService(store *mockStore, recons *mockRecons, bank *mockBank) *Service {
	cfg := Config{FeeRateBasisPoints: 200, Period: 168 * time.Hour}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(cfg, store, recons, bank, nil, logger)
}

var (
	testStart   = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	testEnd     = time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	testAccount = BankAccount{BankName: "VCB", AccountNo: "0123456789", AccountName: "VINOW JSC"}
)

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("settles a matched window", func(t *testing.T) {
		store := &mockStore{}
		recons := &mockRecons{}
		bank := &mockBank{}
		svc := newTestService(store, recons, bank)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		recons.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(&recon.Log{Status: recon.StatusMatched}, nil)
		store.On("RefreshDailySummaries", ctx, "m1", testStart, testEnd, int64(200)).Return(nil)
		store.On("SummaryTotals", ctx, "m1", testStart, testEnd).Return(int64(1_000_000), int64(50_000), 12, nil)
		store.On("BankAccount", ctx, "m1").Return(testAccount, nil)
		store.On("Insert", ctx, mock.MatchedBy(func(r *Record) bool {
			return r.Status == StatusProcessing && r.NetAmount.AmountMinor == 930_000
		})).Return(nil)
		bank.On("Payout", ctx, mock.MatchedBy(func(req PayoutRequest) bool {
			return req.Amount.AmountMinor == 930_000 && req.Account == testAccount
		})).Return("BANKREF1", nil)
		store.On("Update", ctx, mock.MatchedBy(func(r *Record) bool {
			return r.Status == StatusCompleted && r.BankReference == "BANKREF1" && r.SettledAt != nil
		})).Return(nil)

		rec, err := svc.Settle(ctx, "m1", testStart, testEnd)
		require.NoError(t, err)

		// fee = 2% of 1,000,000 = 20,000; net = 1,000,000 - 20,000 - 50,000
		assert.Equal(t, int64(20_000), rec.FeeAmount.AmountMinor)
		assert.Equal(t, int64(930_000), rec.NetAmount.AmountMinor)
		assert.Equal(t, StatusCompleted, rec.Status)
		assert.Equal(t, 12, rec.OrderCount)
		assert.Contains(t, rec.SettlementNo, "STL")
		store.AssertExpectations(t)
		bank.AssertExpectations(t)
	})

	t.Run("rejects unreconciled window", func(t *testing.T) {
		store := &mockStore{}
		recons := &mockRecons{}
		svc := newTestService(store, recons, &mockBank{})

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		recons.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)

		_, err := svc.Settle(ctx, "m1", testStart, testEnd)
		assert.ErrorIs(t, err, ErrNotReconciled)
		store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	})

	t.Run("rejects mismatched window with unresolved orders", func(t *testing.T) {
		store := &mockStore{}
		recons := &mockRecons{}
		svc := newTestService(store, recons, &mockBank{})

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		recons.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(&recon.Log{
			ID:                 "r1",
			Status:             recon.StatusMismatched,
			MismatchedOrderIDs: []string{"o1"},
		}, nil)

		_, err := svc.Settle(ctx, "m1", testStart, testEnd)
		assert.ErrorIs(t, err, ErrNotReconciled)
	})

	t.Run("settles mismatched window once fully resolved", func(t *testing.T) {
		store := &mockStore{}
		recons := &mockRecons{}
		bank := &mockBank{}
		svc := newTestService(store, recons, bank)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		recons.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(&recon.Log{
			Status:             recon.StatusMismatched,
			MismatchedOrderIDs: []string{"o1"},
			ResolvedOrderIDs:   []string{"o1"},
		}, nil)
		store.On("RefreshDailySummaries", ctx, "m1", testStart, testEnd, int64(200)).Return(nil)
		store.On("SummaryTotals", ctx, "m1", testStart, testEnd).Return(int64(500_000), int64(0), 5, nil)
		store.On("BankAccount", ctx, "m1").Return(testAccount, nil)
		store.On("Insert", ctx, mock.AnythingOfType("*settlement.Record")).Return(nil)
		bank.On("Payout", ctx, mock.Anything).Return("BANKREF2", nil)
		store.On("Update", ctx, mock.AnythingOfType("*settlement.Record")).Return(nil)

		rec, err := svc.Settle(ctx, "m1", testStart, testEnd)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, rec.Status)
	})

	t.Run("existing settlement returned unchanged", func(t *testing.T) {
		store := &mockStore{}
		recons := &mockRecons{}
		bank := &mockBank{}
		svc := newTestService(store, recons, bank)

		existing := &Record{ID: "s1", Status: StatusFailed, FailureReason: "insufficient balance"}
		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(existing, nil)

		rec, err := svc.Settle(ctx, "m1", testStart, testEnd)
		require.NoError(t, err)

		// A FAILED settlement stays failed; no second payout attempt.
		assert.Same(t, existing, rec)
		bank.AssertNotCalled(t, "Payout", mock.Anything, mock.Anything)
	})

	t.Run("payout failure persists FAILED and surfaces", func(t *testing.T) {
		store := &mockStore{}
		recons := &mockRecons{}
		bank := &mockBank{}
		svc := newTestService(store, recons, bank)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		recons.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(&recon.Log{Status: recon.StatusMatched}, nil)
		store.On("RefreshDailySummaries", ctx, "m1", testStart, testEnd, int64(200)).Return(nil)
		store.On("SummaryTotals", ctx, "m1", testStart, testEnd).Return(int64(100_000), int64(0), 1, nil)
		store.On("BankAccount", ctx, "m1").Return(testAccount, nil)
		store.On("Insert", ctx, mock.AnythingOfType("*settlement.Record")).Return(nil)
		bank.On("Payout", ctx, mock.Anything).Return("", errors.New("insufficient balance"))
		store.On("Update", ctx, mock.MatchedBy(func(r *Record) bool {
			return r.Status == StatusFailed && r.FailureReason == "insufficient balance"
		})).Return(nil)

		rec, err := svc.Settle(ctx, "m1", testStart, testEnd)
		assert.ErrorIs(t, err, ErrPayoutFailed)
		require.NotNil(t, rec)
		assert.Equal(t, StatusFailed, rec.Status)
		store.AssertExpectations(t)
	})

	t.Run("concurrent settle returns first writer's record", func(t *testing.T) {
		store := &mockStore{}
		recons := &mockRecons{}
		bank := &mockBank{}
		svc := newTestService(store, recons, bank)

		winner := &Record{ID: "s1", Status: StatusProcessing}
		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound).Once()
		recons.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(&recon.Log{Status: recon.StatusMatched}, nil)
		store.On("RefreshDailySummaries", ctx, "m1", testStart, testEnd, int64(200)).Return(nil)
		store.On("SummaryTotals", ctx, "m1", testStart, testEnd).Return(int64(100_000), int64(0), 1, nil)
		store.On("BankAccount", ctx, "m1").Return(testAccount, nil)
		store.On("Insert", ctx, mock.AnythingOfType("*settlement.Record")).Return(database.ErrAlreadyExists)
		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(winner, nil).Once()

		rec, err := svc.Settle(ctx, "m1", testStart, testEnd)
		require.NoError(t, err)
		assert.Same(t, winner, rec)
		bank.AssertNotCalled(t, "Payout", mock.Anything, mock.Anything)
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("merchant with history", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockRecons{}, &mockBank{})

		settledAt := testEnd.Add(time.Hour)
		store.On("SettledTotal", ctx, "m1").Return(int64(5_000_000), nil)
		store.On("BankAccount", ctx, "m1").Return(testAccount, nil)
		store.On("LastCompleted", ctx, "m1").Return(&Record{PeriodEnd: testEnd, SettledAt: &settledAt}, nil)
		store.On("PendingOrders", ctx, "m1", testEnd).Return(3, int64(450_000), nil)

		summary, err := svc.Status(ctx, "m1")
		require.NoError(t, err)

		assert.Equal(t, int64(5_000_000), summary.SettledAmount.AmountMinor)
		assert.Equal(t, int64(450_000), summary.PendingAmount.AmountMinor)
		assert.Equal(t, 3, summary.PendingOrders)
		assert.Equal(t, &settledAt, summary.LastSettlementAt)
	})

	t.Run("merchant with no settlements yet", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockRecons{}, &mockBank{})

		store.On("SettledTotal", ctx, "m1").Return(int64(0), nil)
		store.On("BankAccount", ctx, "m1").Return(BankAccount{}, database.ErrNotFound)
		store.On("LastCompleted", ctx, "m1").Return(nil, database.ErrNotFound)
		store.On("PendingOrders", ctx, "m1", time.Time{}).Return(2, int64(200_000), nil)

		summary, err := svc.Status(ctx, "m1")
		require.NoError(t, err)

		assert.True(t, summary.SettledAmount.IsZero())
		assert.Equal(t, int64(200_000), summary.PendingAmount.AmountMinor)
		assert.Nil(t, summary.LastSettlementAt)
	})
}

func TestEstimate(t *testing.T) {
	ctx := context.Background()

	store := &mockStore{}
	svc := newTestService(store, &mockRecons{}, &mockBank{})

	store.On("LastCompleted", ctx, "m1").Return(&Record{PeriodEnd: testEnd}, nil)
	store.On("PendingOrders", ctx, "m1", testEnd).Return(4, int64(800_000), nil)

	est, err := svc.Estimate(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, testEnd, est.PeriodStart)
	assert.Equal(t, testEnd.Add(168*time.Hour), est.PeriodEnd)
	assert.Equal(t, int64(800_000), est.PendingAmount.AmountMinor)
	assert.Equal(t, int64(16_000), est.EstimatedFee.AmountMinor)
	assert.Equal(t, int64(784_000), est.EstimatedNet.AmountMinor)
	assert.Equal(t, 4, est.EligibleOrders)
}

func TestNewSettlementNo(t *testing.T) {
	now := time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)
	no := NewSettlementNo(now, ulid.MustParse("01ARZ3NDEKTSV4RRFFQ69G5FAV"))
	assert.Len(t, no, 3+8+8)
	assert.Equal(t, "STL20250308", no[:11])
	assert.Equal(t, "9G5FAV", no[len(no)-6:])
}
