package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionGate_AdmitQueueReject(t *testing.T) {
	g := newAdmissionGate(1, 1)

	first, err := g.admit()
	require.NoError(t, err)
	assert.True(t, first.held)

	second, err := g.admit()
	require.NoError(t, err)
	assert.False(t, second.held)

	_, err = g.admit()
	var be *errs.BackpressureError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, GateStats{Capacity: 1, Active: 1, Waiting: 1, Threshold: 1}, g.stats())

	acquired := make(chan error, 1)
	go func() { acquired <- second.wait(context.Background()) }()

	first.release()
	first.release()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued ticket never acquired the slot")
	}
	assert.Equal(t, GateStats{Capacity: 1, Active: 1, Threshold: 1}, g.stats())

	second.release()
	assert.Equal(t, GateStats{Capacity: 1, Threshold: 1}, g.stats())
}

func TestAdmissionGate_WaitCancelled(t *testing.T) {
	g := newAdmissionGate(1, 2)
	holder, err := g.admit()
	require.NoError(t, err)
	queued, err := g.admit()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, queued.wait(ctx))
	queued.release()
	assert.Equal(t, GateStats{Capacity: 1, Active: 1, Threshold: 2}, g.stats())

	holder.release()
	assert.Equal(t, 0, g.stats().Active)
}

func TestAdmissionGate_ZeroThresholdFailsFast(t *testing.T) {
	g := newAdmissionGate(1, 0)
	_, err := g.admit()
	require.NoError(t, err)

	_, err = g.admit()
	var be *errs.BackpressureError
	assert.ErrorAs(t, err, &be)
}

func TestAdmissionGate_Abandon(t *testing.T) {
	g := newAdmissionGate(1, 1)
	held, err := g.admit()
	require.NoError(t, err)
	queued, err := g.admit()
	require.NoError(t, err)

	queued.abandon()
	held.abandon()
	assert.Equal(t, GateStats{Capacity: 1, Threshold: 1}, g.stats())
}
