package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowpanel/backend/internal/models"
)

func TestQuotaResetRebasesOffsetAndPushesCeiling(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	lastReset := time.Now().UTC().Add(-25 * time.Hour)
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.UsageOffset = 1000
		k.UsedBytes = 900
		k.DataLimitBytes = uint64ptr(2000)
		k.ResetStrategy = models.ResetDaily
		k.LastDataLimitReset = &lastReset
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 5000})
	result := svc.RunQuotaReconciliationCycle(context.Background())
	require.Empty(t, result.Errors)
	assert.Equal(t, 1, result.KeysProcessed)

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(5000), got.UsageOffset)
	assert.Equal(t, uint64(0), got.UsedBytes)
	require.NotNil(t, got.LastDataLimitReset)

	// Ceiling = fresh cumulative + quota.
	require.Len(t, client.limitCalls, 1)
	assert.Equal(t, "7", client.limitCalls[0].RemoteKeyID)
	assert.Equal(t, uint64(7000), client.limitCalls[0].LimitBytes)
}

func TestQuotaResetIdempotentWithinInterval(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	lastReset := time.Now().UTC().Add(-25 * time.Hour)
	createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.DataLimitBytes = uint64ptr(2000)
		k.ResetStrategy = models.ResetDaily
		k.LastDataLimitReset = &lastReset
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 5000})
	first := svc.RunQuotaReconciliationCycle(context.Background())
	assert.Equal(t, 1, first.KeysProcessed)

	// Immediately rerunning must be a no-op: the reset timestamp was just
	// refreshed, so the interval has not elapsed again.
	second := svc.RunQuotaReconciliationCycle(context.Background())
	assert.Equal(t, 0, second.KeysProcessed)
	assert.Equal(t, 1, client.pushCount())
}

func TestQuotaResetReactivatesDepletedKey(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	lastReset := time.Now().UTC().Add(-8 * 24 * time.Hour)
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.Status = models.KeyStatusDepleted
		k.UsedBytes = 2000
		k.DataLimitBytes = uint64ptr(2000)
		k.ResetStrategy = models.ResetWeekly
		k.LastDataLimitReset = &lastReset
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 2000})
	svc.RunQuotaReconciliationCycle(context.Background())

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, models.KeyStatusActive, got.Status)
	assert.Equal(t, uint64(0), got.UsedBytes)
}

func TestQuotaResetNilLastResetForcesBaseline(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.ResetStrategy = models.ResetMonthly
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 300})
	result := svc.RunQuotaReconciliationCycle(context.Background())
	assert.Equal(t, 1, result.KeysProcessed)

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(300), got.UsageOffset)
	require.NotNil(t, got.LastDataLimitReset)
}

func TestQuotaResetSkipsNeverStrategy(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	createAccessKey(t, db, server.ID, "7", nil)

	client.setMetrics(server.ID, map[string]uint64{"7": 5000})
	result := svc.RunQuotaReconciliationCycle(context.Background())
	assert.Equal(t, 0, result.KeysProcessed)
	assert.Equal(t, 0, client.pushCount())
}

func TestQuotaResetMissingRemoteKeyRebasesToZero(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	lastReset := time.Now().UTC().Add(-2 * 24 * time.Hour)
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.UsageOffset = 4000
		k.UsedBytes = 100
		k.ResetStrategy = models.ResetDaily
		k.LastDataLimitReset = &lastReset
	})

	// Remote key recreated: it no longer appears in the metrics map, so
	// the fresh cumulative is zero.
	client.setMetrics(server.ID, map[string]uint64{})
	svc.RunQuotaReconciliationCycle(context.Background())

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(0), got.UsageOffset)
	assert.Equal(t, uint64(0), got.UsedBytes)
}

func TestQuotaResetLocalCommitSurvivesPushFailure(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	client.limitErr = assert.AnError
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	lastReset := time.Now().UTC().Add(-25 * time.Hour)
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.DataLimitBytes = uint64ptr(2000)
		k.ResetStrategy = models.ResetDaily
		k.LastDataLimitReset = &lastReset
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 5000})
	result := svc.RunQuotaReconciliationCycle(context.Background())
	assert.Equal(t, 1, result.KeysProcessed)

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(5000), got.UsageOffset)
	assert.Equal(t, uint64(0), got.UsedBytes)
}

func TestResetKeyNowIgnoresStrategy(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	svc := NewQuotaResetService(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.UsedBytes = 800
		k.DataLimitBytes = uint64ptr(1000)
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 800})
	require.NoError(t, svc.ResetKeyNow(context.Background(), key, server.ID))

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(800), got.UsageOffset)
	assert.Equal(t, uint64(0), got.UsedBytes)
	require.Len(t, client.limitCalls, 1)
	assert.Equal(t, uint64(1800), client.limitCalls[0].LimitBytes)
}

func TestResetDueThresholds(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	at := func(hoursAgo float64) *time.Time {
		ts := now.Add(-time.Duration(hoursAgo * float64(time.Hour)))
		return &ts
	}

	cases := []struct {
		name     string
		strategy models.ResetStrategy
		last     *time.Time
		want     bool
	}{
		{"never", models.ResetNever, at(10000), false},
		{"daily not due", models.ResetDaily, at(23), false},
		{"daily due", models.ResetDaily, at(24), true},
		{"weekly not due", models.ResetWeekly, at(7*24 - 1), false},
		{"weekly due", models.ResetWeekly, at(7 * 24), true},
		{"monthly not due", models.ResetMonthly, at(30*24 - 1), false},
		{"monthly due", models.ResetMonthly, at(30 * 24), true},
		{"nil last reset", models.ResetDaily, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meter := &models.Metering{
				ResetStrategy:      tc.strategy,
				LastDataLimitReset: tc.last,
			}
			assert.Equal(t, tc.want, resetDue(meter, now))
		})
	}
}
