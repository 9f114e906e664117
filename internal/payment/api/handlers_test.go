package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vinowpay/internal/common/money"
	orderdomain "vinowpay/internal/order/domain"
	"vinowpay/internal/payment"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, record *payment.Record, entry *payment.EventLogEntry) error {
	args := m.Called(ctx, record, entry)
	return args.Error(0)
}

func (m *mockStore) Get(ctx context.Context, id string) (*payment.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Record), args.Error(1)
}

func (m *mockStore) ApplyCallback(ctx context.Context, id string, status payment.Status, transactionID string, paidAt *time.Time, entry *payment.EventLogEntry) error {
	args := m.Called(ctx, id, status, transactionID, paidAt, entry)
	return args.Error(0)
}

func (m *mockStore) AppendEvent(ctx context.Context, entry *payment.EventLogEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockStore) ListEvents(ctx context.Context, paymentID string) ([]*payment.EventLogEntry, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*payment.EventLogEntry), args.Error(1)
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

const callbackSecret = "momo-shared-secret"

func newCallbackServer(t *testing.T, st payment.Store, orders payment.Orders) *httptest.Server {
	t.Helper()
	cfg := payment.Config{
		Secrets:       payment.Secrets{Momo: callbackSecret, Zalopay: "zalo-secret"},
		ExpiryMinutes: 15,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := payment.NewService(st, orders, cfg, nil, logger)
	handler := NewHandler(svc, logger)

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postCallback(t *testing.T, srv *httptest.Server, body map[string]interface{}, sign bool) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/callback", strings.NewReader(string(raw)))
	require.NoError(t, err)
	if sign {
		req.Header.Set("X-Signature", payment.Sign(raw, callbackSecret))
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func pendingRecord() *payment.Record {
	return &payment.Record{
		ID:         "01PAY",
		OrderID:    "01ORDER",
		MerchantID: "m1",
		Provider:   payment.ProviderMomo,
		Amount:     money.VNDAmount(105000),
		Status:     payment.StatusPending,
		ExpiresAt:  time.Now().UTC().Add(15 * time.Minute),
	}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestCallbackEndpoint(t *testing.T) {
	t.Run("applied callback acked with fixed body", func(t *testing.T) {
		st := new(mockStore)
		orders := new(mockOrders)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("ApplyCallback", mock.Anything, "01PAY", payment.StatusSuccess, "TX123",
			mock.AnythingOfType("*time.Time"), mock.Anything).Return(nil)
		orders.On("MarkPaid", mock.Anything, "01ORDER", "payment_success").
			Return(&orderdomain.Order{ID: "01ORDER", Status: orderdomain.StatusPaid}, true, nil)

		srv := newCallbackServer(t, st, orders)
		resp := postCallback(t, srv, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success",
			"amount": 105000, "transaction_id": "TX123",
		}, true)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, map[string]interface{}{"status": "ok"}, decodeBody(t, resp))
		st.AssertExpectations(t)
	})

	t.Run("rejected signature still acked so provider stops retrying", func(t *testing.T) {
		st := new(mockStore)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)

		srv := newCallbackServer(t, st, new(mockOrders))
		resp := postCallback(t, srv, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success",
		}, false)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, map[string]interface{}{"status": "ok"}, decodeBody(t, resp))
		st.AssertNotCalled(t, "ApplyCallback")
	})

	t.Run("lost audit row returns 500 so provider redelivers", func(t *testing.T) {
		st := new(mockStore)
		st.On("Get", mock.Anything, "01PAY").Return(pendingRecord(), nil)
		st.On("ApplyCallback", mock.Anything, "01PAY", payment.StatusSuccess, "",
			mock.AnythingOfType("*time.Time"), mock.Anything).
			Return(fmt.Errorf("%w: connection reset", payment.ErrPersistenceFailure))

		orders := new(mockOrders)
		srv := newCallbackServer(t, st, orders)
		resp := postCallback(t, srv, map[string]interface{}{
			"provider": "momo", "payment_id": "01PAY", "status": "success", "amount": 105000,
		}, true)

		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		body := decodeBody(t, resp)
		errObj, ok := body["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "PERSISTENCE_FAILURE", errObj["code"])
		orders.AssertNotCalled(t, "MarkPaid")
	})

	t.Run("malformed payload gets 400", func(t *testing.T) {
		srv := newCallbackServer(t, new(mockStore), new(mockOrders))

		resp, err := srv.Client().Post(srv.URL+"/callback", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
