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

const (
	EventUsageWarning   = "usage_warning"
	EventUsageExhausted = "usage_exhausted"
	EventExpiryWarning  = "expiry_warning"

	expiryWarningWindow = 3 * 24 * time.Hour
)

var alertLog = logging.NewLogger("usage_alerts")

// Sender delivers an alert message to the operator.
type Sender interface {
	Send(subject, body string) error
}

// UsageAlertService watches key metering state and notifies the operator
// when a key approaches or exhausts its quota, or is about to expire.
// Deduplication lives in the notification log: one email per key and
// event within the cooldown window.
type UsageAlertService struct {
	db          *gorm.DB
	sender      Sender
	interval    time.Duration
	warnPercent float64
	cooldown    time.Duration
	stopChan    chan struct{}
	wg          sync.WaitGroup
	runMu       sync.Mutex
}

func NewUsageAlertService(db *gorm.DB, sender Sender, interval time.Duration, warnPercent float64, cooldown time.Duration) *UsageAlertService {
	return &UsageAlertService{
		db:          db,
		sender:      sender,
		interval:    interval,
		warnPercent: warnPercent,
		cooldown:    cooldown,
		stopChan:    make(chan struct{}),
	}
}

func (s *UsageAlertService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		alertLog.Info().Dur("interval", s.interval).Msg("usage alert service started")

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runGuarded()
			case <-s.stopChan:
				alertLog.Info().Msg("usage alert service stopped")
				return
			}
		}
	}()
}

func (s *UsageAlertService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *UsageAlertService) runGuarded() {
	if !s.runMu.TryLock() {
		return
	}
	defer s.runMu.Unlock()

	if err := s.RunAlertCycle(context.Background()); err != nil {
		alertLog.Error().Err(err).Msg("alert cycle failed")
	}
}

// RunAlertCycle evaluates every meterable key against the warning and
// exhaustion thresholds and the expiry window.
func (s *UsageAlertService) RunAlertCycle(ctx context.Context) error {
	keys, err := s.loadAllKeys(ctx)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}

	now := time.Now().UTC()
	for _, key := range keys {
		s.checkKey(ctx, key, now)
	}
	return nil
}

func (s *UsageAlertService) checkKey(ctx context.Context, key models.MeterableKey, now time.Time) {
	meter := key.Meter()

	if pct := meter.UsagePercent(); pct >= 0 {
		switch {
		case pct >= 100:
			s.notifyOnce(ctx, key, EventUsageExhausted, fmt.Sprintf(
				"Key %q (%s %d) has exhausted its data limit (%s used of %s).",
				key.DisplayName(), key.Kind(), key.KeyID(),
				models.FormatBytesGB(meter.UsedBytes),
				models.FormatBytesGB(*meter.DataLimitBytes)))
		case pct >= s.warnPercent:
			s.notifyOnce(ctx, key, EventUsageWarning, fmt.Sprintf(
				"Key %q (%s %d) has used %.1f%% of its data limit (%s of %s).",
				key.DisplayName(), key.Kind(), key.KeyID(), pct,
				models.FormatBytesGB(meter.UsedBytes),
				models.FormatBytesGB(*meter.DataLimitBytes)))
		}
	}

	if expiry := key.Expiry(); expiry != nil && expiry.After(now) && expiry.Sub(now) <= expiryWarningWindow {
		s.notifyOnce(ctx, key, EventExpiryWarning, fmt.Sprintf(
			"Key %q (%s %d) expires at %s.",
			key.DisplayName(), key.Kind(), key.KeyID(), expiry.Format(time.RFC3339)))
	}
}

// notifyOnce sends one alert per key and event within the cooldown window.
// A failed send leaves no log row, so delivery retries on the next cycle.
func (s *UsageAlertService) notifyOnce(ctx context.Context, key models.MeterableKey, event, body string) {
	since := time.Now().UTC().Add(-s.cooldown)

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.NotificationLog{}).
		Where("key_id = ? AND key_type = ? AND event = ? AND sent_at > ?",
			key.KeyID(), key.Kind(), event, since).
		Count(&count).Error; err != nil {
		alertLog.Error().Err(err).Msg("notification log lookup failed")
		return
	}
	if count > 0 {
		return
	}

	subject := fmt.Sprintf("[shadowpanel] %s: %s", event, key.DisplayName())
	if err := s.sender.Send(subject, body); err != nil {
		alertLog.Warn().Err(err).
			Uint("key_id", key.KeyID()).
			Str("event", event).
			Msg("alert delivery failed")
		return
	}

	logRow := models.NotificationLog{
		KeyID:   key.KeyID(),
		KeyType: key.Kind(),
		Event:   event,
		SentAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&logRow).Error; err != nil {
		alertLog.Error().Err(err).Msg("notification log write failed")
	}
	monitoring.Get().AlertsSent.WithLabelValues(event).Inc()
}

func (s *UsageAlertService) loadAllKeys(ctx context.Context) ([]models.MeterableKey, error) {
	var accessKeys []models.AccessKey
	if err := s.db.WithContext(ctx).
		Where("status IN ?", meterableStatuses).
		Find(&accessKeys).Error; err != nil {
		return nil, err
	}

	var dynamicKeys []models.DynamicAccessKey
	if err := s.db.WithContext(ctx).
		Where("status IN ?", meterableStatuses).
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
