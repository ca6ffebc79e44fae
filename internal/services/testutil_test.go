package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shadowpanel/backend/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A second connection would see a different empty in-memory database.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.AutoMigrate(db))
	return db
}

type limitCall struct {
	ServerID    uint
	RemoteKeyID string
	LimitBytes  uint64
}

// fakeCounterClient scripts remote metrics per server id and records
// limit pushes.
type fakeCounterClient struct {
	mu         sync.Mutex
	metrics    map[uint]map[string]uint64
	metricsErr map[uint]error
	limitErr   error
	limitCalls []limitCall
}

func newFakeCounterClient() *fakeCounterClient {
	return &fakeCounterClient{
		metrics:    map[uint]map[string]uint64{},
		metricsErr: map[uint]error{},
	}
}

func (f *fakeCounterClient) setMetrics(serverID uint, m map[string]uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[serverID] = m
}

func (f *fakeCounterClient) Metrics(_ context.Context, server *models.Server) (map[string]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.metricsErr[server.ID]; err != nil {
		return nil, err
	}
	m, ok := f.metrics[server.ID]
	if !ok {
		return nil, errors.New("no metrics scripted for server")
	}
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

func (f *fakeCounterClient) SetDataLimit(_ context.Context, server *models.Server, remoteKeyID string, limitBytes uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return f.limitErr
	}
	f.limitCalls = append(f.limitCalls, limitCall{
		ServerID:    server.ID,
		RemoteKeyID: remoteKeyID,
		LimitBytes:  limitBytes,
	})
	return nil
}

func (f *fakeCounterClient) RemoveDataLimit(_ context.Context, server *models.Server, remoteKeyID string) error {
	return f.SetDataLimit(context.Background(), server, remoteKeyID, 0)
}

func (f *fakeCounterClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limitCalls)
}

func createServer(t *testing.T, db *gorm.DB, name string) *models.Server {
	t.Helper()
	server := &models.Server{
		Name:     name,
		APIURL:   "https://" + name + ".example:1234/secret",
		IsActive: true,
	}
	require.NoError(t, db.Create(server).Error)
	return server
}

func createAccessKey(t *testing.T, db *gorm.DB, serverID uint, remoteID string, mutate func(*models.AccessKey)) *models.AccessKey {
	t.Helper()
	key := &models.AccessKey{
		RemoteID: remoteID,
		Name:     "key-" + remoteID,
		ServerID: serverID,
		Metering: models.Metering{Status: models.KeyStatusActive},
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, db.Create(key).Error)
	return key
}

func reloadAccessKey(t *testing.T, db *gorm.DB, id uint) *models.AccessKey {
	t.Helper()
	var key models.AccessKey
	require.NoError(t, db.First(&key, id).Error)
	return &key
}

func uint64ptr(v uint64) *uint64 { return &v }
