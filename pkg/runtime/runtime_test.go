package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/scheduler"
)

func TestHealth_FakeStoreWithNoSchedulerIsHealthy(t *testing.T) {
	st := store.NewFake()
	rt := New(NewNodeID(), st, nil, 0, nil)

	report, err := rt.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, report.Status)
	require.Equal(t, StatusHealthy, report.Checks["store"].Status)
	_, hasScheduler := report.Checks["scheduler"]
	require.False(t, hasScheduler)
}

func TestHealth_SchedulerWithNoTickYetIsDegraded(t *testing.T) {
	st := store.NewFake()
	sched := scheduler.New(st, nil, nil, scheduler.DefaultConfig(), nil)
	rt := New(NewNodeID(), st, sched, time.Second, nil)

	report, err := rt.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, StatusDegraded, report.Checks["scheduler"].Status)
}

func TestHealth_SchedulerAfterRecentTickIsHealthy(t *testing.T) {
	st := store.NewFake()
	sched := scheduler.New(st, nil, nil, scheduler.DefaultConfig(), nil)
	sched.Tick(context.Background())
	rt := New(NewNodeID(), st, sched, time.Minute, nil)

	report, err := rt.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, report.Status)
	require.Equal(t, StatusHealthy, report.Checks["scheduler"].Status)
}

func TestWorsen_NeverImprovesBackToHealthy(t *testing.T) {
	require.Equal(t, StatusDegraded, worsen(StatusHealthy, StatusDegraded))
	require.Equal(t, StatusUnhealthy, worsen(StatusDegraded, StatusUnhealthy))
	require.Equal(t, StatusUnhealthy, worsen(StatusUnhealthy, StatusHealthy))
	require.Equal(t, StatusHealthy, worsen(StatusHealthy, StatusHealthy))
}
