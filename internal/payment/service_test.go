package payment

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vinowpay/internal/common/database"
	"vinowpay/internal/common/money"
	orderdomain "vinowpay/internal/order/domain"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, record *Record, entry *EventLogEntry) error {
	args := m.Called(ctx, record, entry)
	return args.Error(0)
}

func (m *mockStore) Get(ctx context.Context, id string) (*Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func (m *mockStore) ApplyCallback(ctx context.Context, id string, status Status, transactionID string, paidAt *time.Time, entry *EventLogEntry) error {
	args := m.Called(ctx, id, status, transactionID, paidAt, entry)
	return args.Error(0)
}

func (m *mockStore) AppendEvent(ctx context.Context, entry *EventLogEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockStore) ListEvents(ctx context.Context, paymentID string) ([]*EventLogEntry, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*EventLogEntry), args.Error(1)
}

func (m *mockStore) ExpirePending(ctx context.Context, now time.Time) ([]string, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockOrders struct {
	mock.Mock
}

func (m *mockOrders) Get(ctx context.Context, merchantID, id string) (*orderdomain.Order, error) {
	args := m.Called(ctx, merchantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orderdomain.Order), args.Error(1)
}

func (m *mockOrders) MarkPaid(ctx context.Context, orderID, reason string) (*orderdomain.Order, bool, error) {
	args := m.Called(ctx, orderID, reason)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*orderdomain.Order), args.Bool(1), args.Error(2)
}

const testSecret = "momo-shared-secret"

func newTestService(st Store, orders Orders) *Service {
	cfg := Config{
		Secrets:       Secrets{Momo: testSecret, Zalopay: "zalo-secret"},
		ExpiryMinutes: 15,
	}
	return NewService(st, orders, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pendingRecord() *Record {
	return &Record{
		ID:         "01PAY",
		OrderID:    "01ORDER",
		MerchantID: "m1",
		Provider:   ProviderMomo,
		Amount:     money.VNDAmount(105000),
		Status:     StatusPending,
		ExpiresAt:  time.Now().UTC().Add(15 * time.Minute),
	}
}

func signedCallback(t *testing.T, body map[string]interface{}) CallbackRequest {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return CallbackRequest{
		Provider:   ProviderMomo,
		Signature:  Sign(raw, testSecret),
		RawPayload: raw,
	}
}

func TestCreateIntent(t *testing.T) {
	pendingOrder := &orderdomain.Order{
		ID:          "01ORDER",
		MerchantID:  "m1",
		Status:      orderdomain.StatusPending,
		FinalAmount: money.VNDAmount(105000),
	}

	t.Run("creates pending payment", func(t *testing.T) {
		st := new(mockStore)
		orders := new(mockOrders)
		orders.On("Get", mock.Anything, "m1", "01ORDER").Return(pendingOrder, nil)
		st.On("Create", mock.Anything, mock.MatchedBy(func(r *Record) bool {
			return r.Status == StatusPending && r.Amount.AmountMinor == 105000
		}), mock.MatchedBy(func(e *EventLogEntry) bool {
			return e.Kind == EventCreated
		})).Return(nil)

		svc := newTestService(st, orders)
		record, err := svc.Create(context.Background(), CreateRequest{
			MerchantID: "m1", OrderID: "01ORDER", Provider: ProviderMomo, Amount: 105000,
		})

		require.NoError(t, err)
		assert.Equal(t, StatusPending, record.Status)
		assert.True(t, record.ExpiresAt.After(time.Now()))
		st.AssertExpectations(t)
	})

	t.Run("rejects amount below provider minimum", func(t *testing.T) {
		svc := newTestService(new(mockStore), new(mockOrders))
		_, err := svc.Create(context.Background(), CreateRequest{
			MerchantID: "m1", OrderID: "01ORDER", Provider: ProviderMomo, Amount: 500,
		})
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("rejects amount above provider maximum", func(t *testing.T) {
		svc := newTestService(new(mockStore), new(mockOrders))
		_, err := svc.Create(context.Background(), CreateRequest{
			MerchantID: "m1", OrderID: "01ORDER", Provider: ProviderMomo, Amount: 25_000_000,
		})
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("rejects amount differing from order", func(t *testing.T) {
		orders := new(mockOrders)
		orders.On("Get", mock.Anything, "m1", "01ORDER").Return(pendingOrder, nil)

		svc := newTestService(new(mockStore), orders)
		_, err := svc.Create(context.Background(), CreateRequest{
			MerchantID: "m1", OrderID: "01ORDER", Provider: ProviderMomo, Amount: 100000,
		})
		assert.ErrorIs(t, err, ErrAmountMismatch)
	})

	t.Run("rejects non-pending order", func(t *testing.T) {
		paid := &orderdomain.Order{
			ID: "01ORDER", MerchantID: "m1",
			Status: orderdomain.StatusPaid, FinalAmount: money.VNDAmount(105000),
		}
		orders := new(mockOrders)
		orders.On("Get", mock.Anything, "m1", "01ORDER").Return(paid, nil)

		svc := newTestService(new(mockStore), orders)
		_, err := svc.Create(context.Background(), CreateRequest{
			MerchantID: "m1", OrderID: "01ORDER", Provider: ProviderMomo, Amount: 105000,
		})
		assert.ErrorIs(t, err, ErrOrderNotPayable)
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		svc := newTestService(new(mockStore), new(mockOrders))
		_, err := svc.Create(context.Background(), CreateRequest{
			MerchantID: "m1", OrderID: "01ORDER", Provider: "paypal", Amount: 105000,
		})
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})
}

func TestProcessCallback(t *testing.T) {
	t.Run("success callback marks order paid", func(t *testing.T) {
		st := new(mockStore)
		orders := new(mockOrders)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("ApplyCallback", mock.Anything, "01PAY", StatusSuccess, "TX123",
			mock.AnythingOfType("*time.Time"), mock.MatchedBy(func(e *EventLogEntry) bool {
				return e.Kind == EventAccepted
			})).Return(nil)
		orders.On("MarkPaid", mock.Anything, "01ORDER", "payment_success").
			Return(&orderdomain.Order{ID: "01ORDER", Status: orderdomain.StatusPaid}, true, nil)

		svc := newTestService(st, orders)
		record, err := svc.ProcessCallback(context.Background(), signedCallback(t, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success",
			"amount": 105000, "transaction_id": "TX123",
		}))

		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, record.Status)
		assert.Equal(t, "TX123", record.TransactionID)
		st.AssertExpectations(t)
		orders.AssertExpectations(t)
	})

	t.Run("rejects bad signature without mutation", func(t *testing.T) {
		st := new(mockStore)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *EventLogEntry) bool {
			return e.Kind == EventRejectedSignature
		})).Return(nil)

		raw, _ := json.Marshal(map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success",
		})
		svc := newTestService(st, new(mockOrders))
		_, err := svc.ProcessCallback(context.Background(), CallbackRequest{
			Provider: ProviderMomo, Signature: "deadbeef", RawPayload: raw,
		})

		assert.ErrorIs(t, err, ErrSignatureVerification)
		st.AssertNotCalled(t, "ApplyCallback")
	})

	t.Run("unknown payment id", func(t *testing.T) {
		st := new(mockStore)
		st.On("Get", mock.Anything, "01MISSING").Return(nil, database.ErrNotFound)

		svc := newTestService(st, new(mockOrders))
		_, err := svc.ProcessCallback(context.Background(), signedCallback(t, map[string]interface{}{
			"provider": "momo", "payment_id": "01MISSING", "status": "success",
		}))

		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		record := pendingRecord()
		record.Status = StatusSuccess
		st := new(mockStore)
		st.On("Get", mock.Anything, "01PAY").Return(record, nil)
		st.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *EventLogEntry) bool {
			return e.Kind == EventDuplicate
		})).Return(nil)

		orders := new(mockOrders)
		svc := newTestService(st, orders)
		got, err := svc.ProcessCallback(context.Background(), signedCallback(t, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success",
		}))

		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, got.Status)
		st.AssertNotCalled(t, "ApplyCallback")
		orders.AssertNotCalled(t, "MarkPaid")
	})

	t.Run("amount mismatch rejected unmutated", func(t *testing.T) {
		st := new(mockStore)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *EventLogEntry) bool {
			return e.Kind == EventRejectedAmount
		})).Return(nil)

		svc := newTestService(st, new(mockOrders))
		_, err := svc.ProcessCallback(context.Background(), signedCallback(t, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success", "amount": 999999,
		}))

		assert.ErrorIs(t, err, ErrAmountMismatch)
		st.AssertNotCalled(t, "ApplyCallback")
	})

	t.Run("audit write failure fails the call", func(t *testing.T) {
		st := new(mockStore)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("AppendEvent", mock.Anything, mock.Anything).Return(ErrPersistenceFailure)

		svc := newTestService(st, new(mockOrders))
		_, err := svc.ProcessCallback(context.Background(), signedCallback(t, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success", "amount": 999999,
		}))

		assert.ErrorIs(t, err, ErrPersistenceFailure)
	})

	t.Run("failed callback does not touch the order", func(t *testing.T) {
		st := new(mockStore)
		orders := new(mockOrders)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("ApplyCallback", mock.Anything, "01PAY", StatusFailed, "",
			(*time.Time)(nil), mock.Anything).Return(nil)

		svc := newTestService(st, orders)
		record, err := svc.ProcessCallback(context.Background(), signedCallback(t, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "failed",
		}))

		require.NoError(t, err)
		assert.Equal(t, StatusFailed, record.Status)
		orders.AssertNotCalled(t, "MarkPaid")
	})
}

func TestSweep(t *testing.T) {
	st := new(mockStore)
	st.On("ExpirePending", mock.Anything, mock.AnythingOfType("time.Time")).
		Return([]string{"01PAY", "02PAY"}, nil)

	svc := newTestService(st, new(mockOrders))
	count, err := svc.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
