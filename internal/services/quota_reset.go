package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/shadowpanel/backend/internal/logging"
	"github.com/shadowpanel/backend/internal/models"
	"github.com/shadowpanel/backend/internal/monitoring"
)

var resetLog = logging.NewLogger("quota_reset")

// QuotaResetService reconciles recurring quota resets. A reset does not
// touch the remote counter (the remote API has no reset operation); it
// re-bases the local offset against the live cumulative value and pushes
// a fresh absolute ceiling.
type QuotaResetService struct {
	db       *gorm.DB
	client   CounterClient
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	runMu    sync.Mutex
}

func NewQuotaResetService(db *gorm.DB, client CounterClient, interval time.Duration) *QuotaResetService {
	return &QuotaResetService{
		db:       db,
		client:   client,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (s *QuotaResetService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resetLog.Info().Dur("interval", s.interval).Msg("quota reset service started")

		s.runGuarded()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runGuarded()
			case <-s.stopChan:
				resetLog.Info().Msg("quota reset service stopped")
				return
			}
		}
	}()
}

func (s *QuotaResetService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *QuotaResetService) runGuarded() {
	if !s.runMu.TryLock() {
		resetLog.Warn().Msg("previous reconciliation cycle still running, skipping tick")
		return
	}
	defer s.runMu.Unlock()

	result := s.RunQuotaReconciliationCycle(context.Background())
	resetLog.Info().
		Int("servers_ok", result.ServersOK).
		Int("servers_failed", result.ServersFailed).
		Int("keys_reset", result.KeysProcessed).
		Strs("errors", result.Errors).
		Msg("quota reconciliation finished")
}

// RunQuotaReconciliationCycle walks every active server and resets the
// keys whose reset strategy has come due. Servers are handled one at a
// time; resets are rare and latency does not matter here.
func (s *QuotaResetService) RunQuotaReconciliationCycle(ctx context.Context) CycleResult {
	var result CycleResult

	var servers []models.Server
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&servers).Error; err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load servers: %v", err))
		return result
	}

	now := time.Now().UTC()
	for i := range servers {
		server := &servers[i]
		reset, err := s.reconcileServer(ctx, server, now)
		result.KeysProcessed += reset
		if err != nil {
			result.ServersFailed++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.ServersOK++
	}
	return result
}

func (s *QuotaResetService) reconcileServer(ctx context.Context, server *models.Server, now time.Time) (int, error) {
	keys, err := s.loadResetEligibleKeys(ctx, server.ID)
	if err != nil {
		return 0, fmt.Errorf("server %s: load keys: %w", server.Name, err)
	}

	var due []models.MeterableKey
	for _, key := range keys {
		if resetDue(key.Meter(), now) {
			due = append(due, key)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	// Fetch a fresh cumulative value only when there is work; a stale
	// counter would re-base the offset too low and replay old usage.
	metrics, err := s.client.Metrics(ctx, server)
	if err != nil {
		return 0, fmt.Errorf("server %s: metrics fetch: %w", server.Name, err)
	}

	reset := 0
	for _, key := range due {
		if err := s.resetKey(ctx, server, key, metrics[key.RemoteKeyID()], now); err != nil {
			resetLog.Error().Err(err).
				Uint("key_id", key.KeyID()).
				Str("key_type", string(key.Kind())).
				Msg("quota reset failed")
			continue
		}
		reset++
	}
	return reset, nil
}

func (s *QuotaResetService) loadResetEligibleKeys(ctx context.Context, serverID uint) ([]models.MeterableKey, error) {
	var accessKeys []models.AccessKey
	if err := s.db.WithContext(ctx).
		Where("server_id = ? AND reset_strategy != ? AND status IN ?",
			serverID, models.ResetNever, meterableStatuses).
		Find(&accessKeys).Error; err != nil {
		return nil, err
	}

	var dynamicKeys []models.DynamicAccessKey
	if err := s.db.WithContext(ctx).
		Where("server_id = ? AND reset_strategy != ? AND status IN ?",
			serverID, models.ResetNever, meterableStatuses).
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

// resetDue reports whether a key's recurring reset has come due. Periods
// are calendar-approximate day counts, not calendar boundaries; a monthly
// reset drifts across month lengths and that is accepted.
func resetDue(meter *models.Metering, now time.Time) bool {
	interval := meter.ResetStrategy.IntervalDays()
	if interval <= 0 {
		return false
	}
	// Never reset before means the period start is unknown; reset now to
	// establish a baseline.
	if meter.LastDataLimitReset == nil {
		return true
	}
	elapsed := now.Sub(*meter.LastDataLimitReset).Hours() / 24
	return elapsed >= interval
}

// resetKey re-bases the key's ledger on the live remote cumulative value
// and pushes the new absolute ceiling when a limit is configured. The
// local reset commits even if the remote push fails: the next push wins
// over leaving the user locked out by a stale ceiling.
func (s *QuotaResetService) resetKey(ctx context.Context, server *models.Server, key models.MeterableKey, remoteCumulative uint64, now time.Time) error {
	meter := key.Meter()

	updates := map[string]interface{}{
		"usage_offset":          remoteCumulative,
		"used_bytes":            0,
		"last_data_limit_reset": now,
	}
	if meter.Status == models.KeyStatusDepleted {
		updates["status"] = models.KeyStatusActive
	}

	if err := s.db.WithContext(ctx).Model(models.KeyModel(key.Kind())).
		Where("id = ?", key.KeyID()).
		Updates(updates).Error; err != nil {
		return err
	}
	monitoring.Get().QuotaResets.WithLabelValues(string(meter.ResetStrategy)).Inc()

	resetLog.Info().
		Uint("key_id", key.KeyID()).
		Str("key_type", string(key.Kind())).
		Str("strategy", string(meter.ResetStrategy)).
		Uint64("new_offset", remoteCumulative).
		Msg("quota reset applied")

	if meter.DataLimitBytes != nil && *meter.DataLimitBytes > 0 {
		ceiling := remoteCumulative + *meter.DataLimitBytes
		if err := s.client.SetDataLimit(ctx, server, key.RemoteKeyID(), ceiling); err != nil {
			monitoring.Get().LimitPushFailures.Inc()
			resetLog.Warn().Err(err).
				Uint("key_id", key.KeyID()).
				Uint64("ceiling", ceiling).
				Msg("remote limit push failed, will retry on next reset")
		}
	}
	return nil
}

// ResetKeyNow performs an immediate reset for a single key, regardless of
// its reset strategy. Used by the manual reset endpoint.
func (s *QuotaResetService) ResetKeyNow(ctx context.Context, key models.MeterableKey, serverID uint) error {
	var server models.Server
	if err := s.db.WithContext(ctx).First(&server, serverID).Error; err != nil {
		return fmt.Errorf("load server %d: %w", serverID, err)
	}

	metrics, err := s.client.Metrics(ctx, &server)
	if err != nil {
		return err
	}
	return s.resetKey(ctx, &server, key, metrics[key.RemoteKeyID()], time.Now().UTC())
}
