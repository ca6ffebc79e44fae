package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/shadowpanel/backend/internal/database"
	"github.com/shadowpanel/backend/internal/logging"
	"github.com/shadowpanel/backend/internal/models"
	"github.com/shadowpanel/backend/internal/monitoring"
)

// CounterClient is the narrow interface to a remote server's management
// API. Implemented by the outline client; faked in tests.
type CounterClient interface {
	// Metrics returns cumulative bytes per remote key id. The counter is
	// monotonic only between remote restarts.
	Metrics(ctx context.Context, server *models.Server) (map[string]uint64, error)
	// SetDataLimit pushes an absolute cumulative byte ceiling for a key.
	SetDataLimit(ctx context.Context, server *models.Server, remoteKeyID string, limitBytes uint64) error
	// RemoveDataLimit clears the ceiling for a key.
	RemoveDataLimit(ctx context.Context, server *models.Server, remoteKeyID string) error
}

// CycleResult summarizes one engine cycle across all servers. Unreachable
// servers degrade the result instead of failing it; the dashboard shows
// partial data rather than an error page.
type CycleResult struct {
	ServersOK     int      `json:"servers_ok"`
	ServersFailed int      `json:"servers_failed"`
	KeysProcessed int      `json:"keys_processed"`
	Errors        []string `json:"errors,omitempty"`
}

// meterableStatuses are the statuses worth metering. Expired and disabled
// keys cannot pass traffic, so their counters are not collected.
var meterableStatuses = []models.KeyStatus{
	models.KeyStatusActive,
	models.KeyStatusPending,
	models.KeyStatusDepleted,
}

var recorderLog = logging.NewLogger("usage_recorder")

// UsageRecorder periodically pulls remote counters and appends usage
// snapshots while keeping the per-key ledger in sync.
type UsageRecorder struct {
	db       *gorm.DB
	client   CounterClient
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	runMu    sync.Mutex
}

func NewUsageRecorder(db *gorm.DB, client CounterClient, interval time.Duration) *UsageRecorder {
	return &UsageRecorder{
		db:       db,
		client:   client,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the snapshot scheduler. Runs one cycle immediately, then
// once per interval.
func (s *UsageRecorder) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		recorderLog.Info().Dur("interval", s.interval).Msg("usage recorder started")

		s.runGuarded()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runGuarded()
			case <-s.stopChan:
				recorderLog.Info().Msg("usage recorder stopped")
				return
			}
		}
	}()
}

// Stop stops the scheduler and waits for an in-flight cycle to finish.
func (s *UsageRecorder) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *UsageRecorder) runGuarded() {
	// If the previous cycle is still running, skip this tick
	if !s.runMu.TryLock() {
		recorderLog.Warn().Msg("previous snapshot cycle still running, skipping tick")
		return
	}
	defer s.runMu.Unlock()

	result := s.RunSnapshotCycle(context.Background())
	recorderLog.Info().
		Int("servers_ok", result.ServersOK).
		Int("servers_failed", result.ServersFailed).
		Int("keys", result.KeysProcessed).
		Strs("errors", result.Errors).
		Msg("snapshot cycle finished")
}

// RunSnapshotCycle fetches remote counters once per active server and
// records one usage snapshot per meterable key. Servers are polled
// concurrently; an unreachable server never blocks the others.
func (s *UsageRecorder) RunSnapshotCycle(ctx context.Context) CycleResult {
	monitoring.Get().SnapshotCycles.Inc()

	var servers []models.Server
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&servers).Error; err != nil {
		return CycleResult{Errors: []string{fmt.Sprintf("load servers: %v", err)}}
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result CycleResult
	)

	for i := range servers {
		server := servers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			processed, err := s.recordServer(ctx, &server)

			mu.Lock()
			defer mu.Unlock()
			result.KeysProcessed += processed
			if err != nil {
				result.ServersFailed++
				result.Errors = append(result.Errors, err.Error())
				return
			}
			result.ServersOK++
		}()
	}
	wg.Wait()

	if result.KeysProcessed > 0 {
		database.InvalidateUsageCache()
	}
	return result
}

// recordServer fetches the cumulative map once per server (bounding API
// calls to O(servers), not O(keys)) and applies it to every meterable key.
func (s *UsageRecorder) recordServer(ctx context.Context, server *models.Server) (int, error) {
	keys, err := s.loadMeterableKeys(ctx, server.ID)
	if err != nil {
		return 0, fmt.Errorf("server %s: load keys: %w", server.Name, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	metrics, err := s.client.Metrics(ctx, server)
	if err != nil {
		monitoring.Get().SnapshotServerErrors.WithLabelValues(server.Name).Inc()
		s.markServerOffline(ctx, server, err)
		return 0, err
	}
	s.markServerOnline(ctx, server)

	now := time.Now().UTC()
	processed := 0
	for _, key := range keys {
		if err := s.recordKey(ctx, key, metrics, now); err != nil {
			recorderLog.Error().Err(err).
				Uint("key_id", key.KeyID()).
				Str("key_type", string(key.Kind())).
				Msg("snapshot write failed")
			continue
		}
		processed++
	}
	monitoring.Get().SnapshotKeysRecorded.Add(float64(processed))
	return processed, nil
}

// computeUsage derives the new displayed usage and snapshot delta from a
// fresh remote cumulative value. Both clamp at zero: the remote counter
// regresses when the remote process restarts, and a negative delta would
// corrupt every downstream sum.
func computeUsage(remoteCumulative, offset, previousUsed uint64) (newUsed, delta uint64) {
	if remoteCumulative > offset {
		newUsed = remoteCumulative - offset
	}
	if newUsed > previousUsed {
		delta = newUsed - previousUsed
	}
	return newUsed, delta
}

func (s *UsageRecorder) recordKey(ctx context.Context, key models.MeterableKey, metrics map[string]uint64, now time.Time) error {
	meter := key.Meter()

	// A key absent from the metrics map (just created, or remote desync)
	// meters as zero cumulative rather than failing the whole key.
	remote := metrics[key.RemoteKeyID()]
	newUsed, delta := computeUsage(remote, meter.UsageOffset, meter.UsedBytes)

	updates := map[string]interface{}{"used_bytes": newUsed}
	if meter.DataLimitBytes != nil && *meter.DataLimitBytes > 0 &&
		newUsed >= *meter.DataLimitBytes &&
		(meter.Status == models.KeyStatusActive || meter.Status == models.KeyStatusPending) {
		updates["status"] = models.KeyStatusDepleted
	}

	// Snapshot row and ledger update must reflect the same instant; a
	// partial write is rolled back and the next cycle retries.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshot := models.UsageSnapshot{
			KeyID:      key.KeyID(),
			KeyType:    key.Kind(),
			UsedBytes:  newUsed,
			DeltaBytes: delta,
			RecordedAt: now,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}
		if key.Kind() == models.KindAccessKey {
			trafficLog := models.TrafficLog{
				AccessKeyID: key.KeyID(),
				UsedBytes:   newUsed,
				DeltaBytes:  delta,
				RecordedAt:  now,
			}
			if err := tx.Create(&trafficLog).Error; err != nil {
				return err
			}
		}
		return tx.Model(models.KeyModel(key.Kind())).
			Where("id = ?", key.KeyID()).
			Updates(updates).Error
	})
}

func (s *UsageRecorder) loadMeterableKeys(ctx context.Context, serverID uint) ([]models.MeterableKey, error) {
	var accessKeys []models.AccessKey
	if err := s.db.WithContext(ctx).
		Where("server_id = ? AND status IN ?", serverID, meterableStatuses).
		Find(&accessKeys).Error; err != nil {
		return nil, err
	}

	var dynamicKeys []models.DynamicAccessKey
	if err := s.db.WithContext(ctx).
		Where("server_id = ? AND status IN ?", serverID, meterableStatuses).
		Find(&dynamicKeys).Error; err != nil {
		return nil, err
	}

	keys := make([]models.MeterableKey, 0, len(accessKeys)+len(dynamicKeys))
	for i := range accessKeys {
		keys = append(keys, &accessKeys[i])
	}
	for i := range dynamicKeys {
		keys = append(keys, &dynamicKeys[i])
	}
	return keys, nil
}

func (s *UsageRecorder) markServerOnline(ctx context.Context, server *models.Server) {
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.Server{}).Where("id = ?", server.ID).Updates(map[string]interface{}{
		"is_online":  true,
		"last_seen":  now,
		"last_error": "",
	}).Error; err != nil {
		recorderLog.Warn().Err(err).Str("server", server.Name).Msg("failed to update server status")
	}
}

func (s *UsageRecorder) markServerOffline(ctx context.Context, server *models.Server, cause error) {
	if err := s.db.WithContext(ctx).Model(&models.Server{}).Where("id = ?", server.ID).Updates(map[string]interface{}{
		"is_online":  false,
		"last_error": cause.Error(),
	}).Error; err != nil {
		recorderLog.Warn().Err(err).Str("server", server.Name).Msg("failed to update server status")
	}
}
