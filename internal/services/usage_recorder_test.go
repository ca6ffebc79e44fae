package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowpanel/backend/internal/models"
)

func TestSnapshotCycleRecordsUsageAndDelta(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	key := createAccessKey(t, db, server.ID, "7", nil)

	client.setMetrics(server.ID, map[string]uint64{"7": 1500})
	result := recorder.RunSnapshotCycle(context.Background())
	require.Empty(t, result.Errors)
	assert.Equal(t, 1, result.ServersOK)
	assert.Equal(t, 1, result.KeysProcessed)

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(1500), got.UsedBytes)

	var reachable models.Server
	require.NoError(t, db.First(&reachable, server.ID).Error)
	assert.True(t, reachable.IsOnline)
	assert.NotNil(t, reachable.LastSeen)

	// Second cycle with a higher counter records only the growth.
	client.setMetrics(server.ID, map[string]uint64{"7": 2100})
	recorder.RunSnapshotCycle(context.Background())

	var snapshots []models.UsageSnapshot
	require.NoError(t, db.Order("id ASC").Find(&snapshots).Error)
	require.Len(t, snapshots, 2)
	assert.Equal(t, uint64(1500), snapshots[0].DeltaBytes)
	assert.Equal(t, uint64(600), snapshots[1].DeltaBytes)
	assert.Equal(t, uint64(2100), snapshots[1].UsedBytes)
}

func TestSnapshotCycleClampsCounterRegression(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	key := createAccessKey(t, db, server.ID, "7", nil)

	client.setMetrics(server.ID, map[string]uint64{"7": 1000})
	recorder.RunSnapshotCycle(context.Background())

	// Remote restart: counter drops from 1000 to 800.
	client.setMetrics(server.ID, map[string]uint64{"7": 800})
	recorder.RunSnapshotCycle(context.Background())

	var snapshots []models.UsageSnapshot
	require.NoError(t, db.Order("id ASC").Find(&snapshots).Error)
	require.Len(t, snapshots, 2)
	assert.Equal(t, uint64(0), snapshots[1].DeltaBytes)
	assert.Equal(t, uint64(800), snapshots[1].UsedBytes)

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(800), got.UsedBytes)
}

func TestSnapshotCycleClampsBelowOffset(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.UsageOffset = 5000
		k.UsedBytes = 300
	})

	// Remote restarted after a reset was applied locally; its counter is
	// far below the stored offset.
	client.setMetrics(server.ID, map[string]uint64{"7": 1200})
	recorder.RunSnapshotCycle(context.Background())

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(0), got.UsedBytes)

	var snapshot models.UsageSnapshot
	require.NoError(t, db.First(&snapshot).Error)
	assert.Equal(t, uint64(0), snapshot.UsedBytes)
	assert.Equal(t, uint64(0), snapshot.DeltaBytes)
}

func TestSnapshotCycleMarksDepletedAtLimit(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.DataLimitBytes = uint64ptr(1000)
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 1000})
	recorder.RunSnapshotCycle(context.Background())

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, models.KeyStatusDepleted, got.Status)
}

func TestSnapshotCycleSkipsDisabledKeys(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.Status = models.KeyStatusDisabled
	})
	createAccessKey(t, db, server.ID, "8", func(k *models.AccessKey) {
		k.Status = models.KeyStatusExpired
	})

	client.setMetrics(server.ID, map[string]uint64{"7": 500, "8": 500})
	result := recorder.RunSnapshotCycle(context.Background())
	assert.Equal(t, 0, result.KeysProcessed)

	var count int64
	require.NoError(t, db.Model(&models.UsageSnapshot{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSnapshotCyclePartialServerFailure(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	alpha := createServer(t, db, "alpha")
	beta := createServer(t, db, "beta")
	okKey := createAccessKey(t, db, alpha.ID, "1", nil)
	createAccessKey(t, db, beta.ID, "2", nil)

	client.setMetrics(alpha.ID, map[string]uint64{"1": 700})
	client.metricsErr[beta.ID] = errors.New("connection refused")

	result := recorder.RunSnapshotCycle(context.Background())
	assert.Equal(t, 1, result.ServersOK)
	assert.Equal(t, 1, result.ServersFailed)
	assert.Equal(t, 1, result.KeysProcessed)
	assert.Len(t, result.Errors, 1)

	got := reloadAccessKey(t, db, okKey.ID)
	assert.Equal(t, uint64(700), got.UsedBytes)

	// The failed server is marked offline with the error recorded.
	var failed models.Server
	require.NoError(t, db.First(&failed, beta.ID).Error)
	assert.False(t, failed.IsOnline)
	assert.Contains(t, failed.LastError, "connection refused")
}

func TestSnapshotCycleMissingRemoteKeyMetersZero(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	key := createAccessKey(t, db, server.ID, "7", func(k *models.AccessKey) {
		k.UsedBytes = 400
	})

	// The key is absent from the remote metrics map entirely.
	client.setMetrics(server.ID, map[string]uint64{})
	result := recorder.RunSnapshotCycle(context.Background())
	assert.Equal(t, 1, result.KeysProcessed)

	got := reloadAccessKey(t, db, key.ID)
	assert.Equal(t, uint64(0), got.UsedBytes)
}

func TestSnapshotCycleIncludesDynamicKeys(t *testing.T) {
	db := newTestDB(t)
	client := newFakeCounterClient()
	recorder := NewUsageRecorder(db, client, time.Hour)

	server := createServer(t, db, "alpha")
	dyn := &models.DynamicAccessKey{
		RemoteID: "9",
		Name:     "sub-key",
		ServerID: server.ID,
		Metering: models.Metering{Status: models.KeyStatusActive},
	}
	require.NoError(t, db.Create(dyn).Error)

	client.setMetrics(server.ID, map[string]uint64{"9": 2500})
	result := recorder.RunSnapshotCycle(context.Background())
	assert.Equal(t, 1, result.KeysProcessed)

	var got models.DynamicAccessKey
	require.NoError(t, db.First(&got, dyn.ID).Error)
	assert.Equal(t, uint64(2500), got.UsedBytes)

	var snapshot models.UsageSnapshot
	require.NoError(t, db.First(&snapshot).Error)
	assert.Equal(t, models.KindDynamicKey, snapshot.KeyType)

	// TrafficLog is access-key only.
	var trafficCount int64
	require.NoError(t, db.Model(&models.TrafficLog{}).Count(&trafficCount).Error)
	assert.Zero(t, trafficCount)
}
