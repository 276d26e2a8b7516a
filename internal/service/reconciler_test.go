package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestReconciler(h *harness, m *Metrics) *Reconciler {
	r := NewReconciler(memOpRepo{h.store}, h.chain, h.ledger, h.audit, m, 10*time.Minute, 0, newTestLogger())
	r.now = h.store.now
	return r
}

func broadcast(t *testing.T, h *harness, key, hash string) *domain.Operation {
	t.Helper()
	res, err := h.orch.Decide(bg, sendInput(key, "1"))
	require.NoError(t, err)
	op, err := h.orch.Finalize(bg, res.Operation.TxID, domain.FinalizeUpdate{Status: domain.OperationStatusBroadcasted, TxHash: &hash})
	require.NoError(t, err)
	return op
}

func TestReconciler_SettlesBroadcasted(t *testing.T) {
	h := newHarness(t)
	m := NewMetrics(prometheus.NewRegistry())
	r := newTestReconciler(h, m)

	ok := broadcast(t, h, "k-ok", "0x01")
	bad := broadcast(t, h, "k-bad", "0x02")
	slow := broadcast(t, h, "k-slow", "0x03")

	// Too young to reconcile.
	report, err := r.RunOnce(bg)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, *report)

	h.store.advance(11 * time.Minute)
	h.chain.EXPECT().ReceiptStatus(gomock.Any(), "0x01").Return(ports.ReceiptSuccess, nil)
	h.chain.EXPECT().ReceiptStatus(gomock.Any(), "0x02").Return(ports.ReceiptReverted, nil)
	h.chain.EXPECT().ReceiptStatus(gomock.Any(), "0x03").Return(ports.ReceiptPending, nil)

	report, err = r.RunOnce(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Pending)
	assert.Zero(t, report.Errors)

	statuses := map[string]domain.OperationStatus{}
	for _, op := range h.store.operations() {
		statuses[op.TxID.String()] = op.Status
	}
	assert.Equal(t, domain.OperationStatusConfirmed, statuses[ok.TxID.String()])
	assert.Equal(t, domain.OperationStatusFailed, statuses[bad.TxID.String()])
	assert.Equal(t, domain.OperationStatusBroadcasted, statuses[slow.TxID.String()])

	var finalized int
	for _, e := range h.store.auditEntries() {
		if e.Action == domain.AuditActionReconcile {
			finalized++
		}
	}
	assert.Equal(t, 2, finalized)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Reconciled.WithLabelValues("confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Reconciled.WithLabelValues("failed")))
}

func TestReconciler_ReceiptErrorsAreCounted(t *testing.T) {
	h := newHarness(t)
	r := newTestReconciler(h, nil)

	broadcast(t, h, "k-1", "0x01")
	h.store.advance(time.Hour)
	h.chain.EXPECT().ReceiptStatus(gomock.Any(), "0x01").Return(ports.ReceiptStatus(""), errors.New("rpc down"))

	report, err := r.RunOnce(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
}

func TestReconciler_FlagsStalePendingOnce(t *testing.T) {
	h := newHarness(t)
	r := newTestReconciler(h, nil)

	res, err := h.orch.Decide(bg, sendInput("k-1", "1"))
	require.NoError(t, err)
	h.store.advance(time.Hour)

	report, err := r.RunOnce(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Flagged)

	e := lastAudit(t, h)
	assert.Equal(t, domain.AuditActionReconcileFlagged, e.Action)
	assert.Contains(t, e.Request, res.Operation.TxID.String())

	// Pending rows are never guessed at.
	ops := h.store.operations()
	assert.Equal(t, domain.OperationStatusPending, ops[0].Status)

	report, err = r.RunOnce(bg)
	require.NoError(t, err)
	assert.Zero(t, report.Flagged, "flagged once per process")
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r := newTestReconciler(h, nil)

	ctx, cancel := context.WithCancel(bg)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
