package recon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vinowpay/internal/common/database"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Insert(ctx context.Context, log *Log) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *mockStore) Update(ctx context.Context, log *Log) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *mockStore) UpsertError(ctx context.Context, log *Log) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *mockStore) Get(ctx context.Context, merchantID, id string) (*Log, error) {
	args := m.Called(ctx, merchantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Log), args.Error(1)
}

func (m *mockStore) GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*Log, error) {
	args := m.Called(ctx, merchantID, periodStart, periodEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Log), args.Error(1)
}

func (m *mockStore) History(ctx context.Context, merchantID string, filter HistoryFilter, limit, offset int) ([]*Log, int64, error) {
	args := m.Called(ctx, merchantID, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*Log), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) CompletedOrders(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]PlatformOrder, error) {
	args := m.Called(ctx, merchantID, periodStart, periodEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]PlatformOrder), args.Error(1)
}

func (m *mockStore) CreateDispute(ctx context.Context, d *Dispute) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *mockStore) ResolveDispute(ctx context.Context, id string, accept bool, note, operator string) (*Dispute, error) {
	args := m.Called(ctx, id, accept, note, operator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Dispute), args.Error(1)
}

type mockFeed struct {
	mock.Mock
}

func (m *mockFeed) Fetch(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]StatementEntry, error) {
	args := m.Called(ctx, merchantID, periodStart, periodEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]StatementEntry), args.Error(1)
}

func newTestService(store *mockStore, feed *mockFeed) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, feed, nil, logger)
}

var (
	testStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	testEnd   = time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
)

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("fully matched window", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		store.On("CompletedOrders", ctx, "m1", testStart, testEnd).Return([]PlatformOrder{
			{OrderID: "o1", OrderNo: "ORD1", Amount: 100_000},
			{OrderID: "o2", OrderNo: "ORD2", Amount: 250_000},
		}, nil)
		feed.On("Fetch", ctx, "m1", testStart, testEnd).Return([]StatementEntry{
			{ReferenceNo: "ORD1", Amount: 100_000},
			{ReferenceNo: "ORD2", Amount: 250_000},
		}, nil)
		store.On("Insert", ctx, mock.AnythingOfType("*recon.Log")).Return(nil)

		log, err := svc.Reconcile(ctx, "m1", testStart, testEnd, false)
		require.NoError(t, err)

		assert.Equal(t, StatusMatched, log.Status)
		assert.Equal(t, int64(350_000), log.PlatformTotal.AmountMinor)
		assert.Equal(t, int64(350_000), log.ExternalTotal.AmountMinor)
		assert.True(t, log.Difference.IsZero())
		assert.Equal(t, 2, log.MatchedCount)
		assert.Empty(t, log.MismatchedOrderIDs)
		assert.True(t, log.Settleable())
		store.AssertExpectations(t)
	})

	t.Run("amount mismatch and missing statement line", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		store.On("CompletedOrders", ctx, "m1", testStart, testEnd).Return([]PlatformOrder{
			{OrderID: "o1", OrderNo: "ORD1", Amount: 100_000},
			{OrderID: "o2", OrderNo: "ORD2", Amount: 250_000},
			{OrderID: "o3", OrderNo: "ORD3", Amount: 50_000},
		}, nil)
		feed.On("Fetch", ctx, "m1", testStart, testEnd).Return([]StatementEntry{
			{ReferenceNo: "ORD1", Amount: 100_000},
			{ReferenceNo: "ORD2", Amount: 240_000},
		}, nil)
		store.On("Insert", ctx, mock.AnythingOfType("*recon.Log")).Return(nil)

		log, err := svc.Reconcile(ctx, "m1", testStart, testEnd, false)
		require.NoError(t, err)

		assert.Equal(t, StatusMismatched, log.Status)
		assert.Equal(t, 1, log.MatchedCount)
		assert.ElementsMatch(t, []string{"o2", "o3"}, log.MismatchedOrderIDs)
		assert.Equal(t, int64(60_000), log.Difference.AmountMinor)
		assert.False(t, log.Settleable())
	})

	t.Run("statement line with no platform order mismatches", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		store.On("CompletedOrders", ctx, "m1", testStart, testEnd).Return([]PlatformOrder{}, nil)
		feed.On("Fetch", ctx, "m1", testStart, testEnd).Return([]StatementEntry{
			{ReferenceNo: "GHOST1", Amount: 75_000},
		}, nil)
		store.On("Insert", ctx, mock.AnythingOfType("*recon.Log")).Return(nil)

		log, err := svc.Reconcile(ctx, "m1", testStart, testEnd, false)
		require.NoError(t, err)

		assert.Equal(t, StatusMismatched, log.Status)
		assert.Equal(t, []string{"GHOST1"}, log.MismatchedOrderIDs)
		assert.Equal(t, int64(-75_000), log.Difference.AmountMinor)
	})

	t.Run("existing log returned without recompute", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		existing := &Log{ID: "r1", MerchantID: "m1", Status: StatusMatched}
		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(existing, nil)

		log, err := svc.Reconcile(ctx, "m1", testStart, testEnd, false)
		require.NoError(t, err)

		assert.Same(t, existing, log)
		feed.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("concurrent insert loses with already reconciling", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		store.On("CompletedOrders", ctx, "m1", testStart, testEnd).Return([]PlatformOrder{}, nil)
		feed.On("Fetch", ctx, "m1", testStart, testEnd).Return([]StatementEntry{}, nil)
		store.On("Insert", ctx, mock.AnythingOfType("*recon.Log")).Return(ErrAlreadyReconciling)

		_, err := svc.Reconcile(ctx, "m1", testStart, testEnd, false)
		assert.ErrorIs(t, err, ErrAlreadyReconciling)
	})

	t.Run("statement fetch failure records error row", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(nil, database.ErrNotFound)
		store.On("CompletedOrders", ctx, "m1", testStart, testEnd).Return([]PlatformOrder{}, nil)
		feed.On("Fetch", ctx, "m1", testStart, testEnd).Return(nil, errors.New("gateway timeout"))
		store.On("UpsertError", ctx, mock.MatchedBy(func(l *Log) bool {
			return l.Status == StatusError && l.ErrorMessage == "gateway timeout"
		})).Return(nil)

		_, err := svc.Reconcile(ctx, "m1", testStart, testEnd, false)
		assert.ErrorIs(t, err, ErrStatementUnavailable)
		store.AssertExpectations(t)
	})

	t.Run("error row is re-runnable without force", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		existing := &Log{
			ID:          "r1",
			MerchantID:  "m1",
			PeriodStart: testStart,
			PeriodEnd:   testEnd,
			Status:      StatusError,
			CreatedAt:   testStart,
		}
		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(existing, nil)
		store.On("CompletedOrders", ctx, "m1", testStart, testEnd).Return([]PlatformOrder{
			{OrderID: "o1", OrderNo: "ORD1", Amount: 100_000},
		}, nil)
		feed.On("Fetch", ctx, "m1", testStart, testEnd).Return([]StatementEntry{
			{ReferenceNo: "ORD1", Amount: 100_000},
		}, nil)
		store.On("Update", ctx, mock.MatchedBy(func(l *Log) bool {
			return l.ID == "r1" && l.Status == StatusMatched && l.ErrorMessage == ""
		})).Return(nil)

		log, err := svc.Reconcile(ctx, "m1", testStart, testEnd, false)
		require.NoError(t, err)
		assert.Equal(t, "r1", log.ID)
		assert.Equal(t, StatusMatched, log.Status)
	})

	t.Run("forced re-run keeps still-relevant resolutions", func(t *testing.T) {
		store := &mockStore{}
		feed := &mockFeed{}
		svc := newTestService(store, feed)

		existing := &Log{
			ID:                 "r1",
			MerchantID:         "m1",
			Status:             StatusMismatched,
			MismatchedOrderIDs: []string{"o1", "o2"},
			ResolvedOrderIDs:   []string{"o1", "o2"},
			CreatedAt:          testStart,
		}
		store.On("GetByWindow", ctx, "m1", testStart, testEnd).Return(existing, nil)
		store.On("CompletedOrders", ctx, "m1", testStart, testEnd).Return([]PlatformOrder{
			{OrderID: "o1", OrderNo: "ORD1", Amount: 100_000},
			{OrderID: "o2", OrderNo: "ORD2", Amount: 200_000},
		}, nil)
		// o2 now matches; its resolution becomes moot, o1's carries over.
		feed.On("Fetch", ctx, "m1", testStart, testEnd).Return([]StatementEntry{
			{ReferenceNo: "ORD2", Amount: 200_000},
		}, nil)
		store.On("Update", ctx, mock.AnythingOfType("*recon.Log")).Return(nil)

		log, err := svc.Reconcile(ctx, "m1", testStart, testEnd, true)
		require.NoError(t, err)

		assert.Equal(t, StatusMismatched, log.Status)
		assert.Equal(t, []string{"o1"}, log.MismatchedOrderIDs)
		assert.Equal(t, []string{"o1"}, log.ResolvedOrderIDs)
		assert.True(t, log.Settleable())
	})
}

func TestSettleable(t *testing.T) {
	tests := []struct {
		name string
		log  Log
		want bool
	}{
		{"matched", Log{Status: StatusMatched}, true},
		{"error", Log{Status: StatusError}, false},
		{"mismatched unresolved", Log{Status: StatusMismatched, MismatchedOrderIDs: []string{"o1"}}, false},
		{"mismatched partially resolved", Log{Status: StatusMismatched, MismatchedOrderIDs: []string{"o1", "o2"}, ResolvedOrderIDs: []string{"o1"}}, false},
		{"mismatched fully resolved", Log{Status: StatusMismatched, MismatchedOrderIDs: []string{"o1", "o2"}, ResolvedOrderIDs: []string{"o2", "o1"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.log.Settleable())
		})
	}
}

func TestRetainMismatched(t *testing.T) {
	log := Log{MismatchedOrderIDs: []string{"o1", "o2", "o3"}}

	t.Run("drops ids outside the mismatched set", func(t *testing.T) {
		assert.Equal(t, []string{"o1", "o3"}, log.RetainMismatched([]string{"o1", "o3", "o9"}))
	})

	t.Run("dispute accepted after a re-run shrank the set", func(t *testing.T) {
		// A dispute filed over {o1, o2, o3} resolved after a forced
		// re-run left only o2 mismatched must not resurrect the rest.
		rerun := Log{MismatchedOrderIDs: []string{"o2"}}
		kept := rerun.RetainMismatched([]string{"o1", "o2", "o3"})
		assert.Equal(t, []string{"o2"}, kept)

		rerun.ResolvedOrderIDs = kept
		rerun.Status = StatusMismatched
		assert.True(t, rerun.Settleable())
	})

	t.Run("empty input yields empty, not nil", func(t *testing.T) {
		assert.Equal(t, []string{}, log.RetainMismatched(nil))
	})
}

func TestSubmitDispute(t *testing.T) {
	ctx := context.Background()

	mismatchedLog := func() *Log {
		return &Log{
			ID:                 "r1",
			MerchantID:         "m1",
			Status:             StatusMismatched,
			MismatchedOrderIDs: []string{"o1", "o2"},
		}
	}

	t.Run("creates pending dispute for mismatched orders", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockFeed{})

		store.On("Get", ctx, "m1", "r1").Return(mismatchedLog(), nil)
		store.On("CreateDispute", ctx, mock.MatchedBy(func(d *Dispute) bool {
			return d.Status == DisputePending && d.ReconciliationID == "r1" && len(d.OrderIDs) == 2
		})).Return(nil)

		dispute, err := svc.SubmitDispute(ctx, "m1", SubmitDisputeRequest{
			ReconciliationID: "r1",
			OrderIDs:         []string{"o1", "o2"},
			Reason:           "provider statement missing settled orders",
		})
		require.NoError(t, err)

		assert.Equal(t, DisputePending, dispute.Status)
		assert.Equal(t, "m1", dispute.MerchantID)
		store.AssertExpectations(t)
	})

	t.Run("rejects order outside the mismatched set", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockFeed{})

		store.On("Get", ctx, "m1", "r1").Return(mismatchedLog(), nil)

		_, err := svc.SubmitDispute(ctx, "m1", SubmitDisputeRequest{
			ReconciliationID: "r1",
			OrderIDs:         []string{"o1", "o9"},
			Reason:           "wrong orders",
		})
		assert.ErrorIs(t, err, ErrInvalidDisputeOrders)
		store.AssertNotCalled(t, "CreateDispute", mock.Anything, mock.Anything)
	})

	t.Run("rejects dispute on matched reconciliation", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockFeed{})

		store.On("Get", ctx, "m1", "r1").Return(&Log{ID: "r1", MerchantID: "m1", Status: StatusMatched}, nil)

		_, err := svc.SubmitDispute(ctx, "m1", SubmitDisputeRequest{
			ReconciliationID: "r1",
			OrderIDs:         []string{"o1"},
			Reason:           "nothing to dispute",
		})
		assert.ErrorIs(t, err, ErrNotMismatched)
	})

	t.Run("unknown reconciliation", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockFeed{})

		store.On("Get", ctx, "m1", "missing").Return(nil, database.ErrNotFound)

		_, err := svc.SubmitDispute(ctx, "m1", SubmitDisputeRequest{
			ReconciliationID: "missing",
			OrderIDs:         []string{"o1"},
			Reason:           "x",
		})
		assert.ErrorIs(t, err, database.ErrNotFound)
	})
}

func TestResolveDispute(t *testing.T) {
	ctx := context.Background()

	t.Run("accept", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockFeed{})

		resolved := &Dispute{ID: "d1", MerchantID: "m1", ReconciliationID: "r1", Status: DisputeAccepted}
		store.On("ResolveDispute", ctx, "d1", true, "verified against bank export", "op-1").Return(resolved, nil)

		dispute, err := svc.ResolveDispute(ctx, "d1", true, "verified against bank export", "op-1")
		require.NoError(t, err)
		assert.Equal(t, DisputeAccepted, dispute.Status)
	})

	t.Run("already resolved", func(t *testing.T) {
		store := &mockStore{}
		svc := newTestService(store, &mockFeed{})

		store.On("ResolveDispute", ctx, "d1", false, "", "op-1").Return(nil, ErrDisputeNotPending)

		_, err := svc.ResolveDispute(ctx, "d1", false, "", "op-1")
		assert.ErrorIs(t, err, ErrDisputeNotPending)
	})
}
