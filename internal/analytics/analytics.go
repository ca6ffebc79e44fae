package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/shadowpanel/backend/internal/models"
)

const (
	// Keys with a baseline below this floor are never flagged as anomalous.
	anomalyBaselineFloor = 1 << 20 // 1 MiB

	anomalyResultCap = 20

	baselineWindow = 7 * 24 * time.Hour
	forecastWindow = 7 * 24 * time.Hour
)

// Service computes usage analytics from the snapshot stream. All queries
// aggregate delta_bytes, never used_bytes: deltas survive quota resets
// and remote counter regressions, absolute values do not.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// ConsumerSummary is one row of the top-consumers report.
type ConsumerSummary struct {
	KeyID      uint             `json:"key_id"`
	KeyType    models.KeyKind   `json:"key_type"`
	Name       string           `json:"name"`
	ServerID   uint             `json:"server_id"`
	Status     models.KeyStatus `json:"status"`
	TotalBytes uint64           `json:"total_bytes"`
}

// AnomalySummary describes a key whose recent traffic spiked against its
// own preceding baseline.
type AnomalySummary struct {
	KeyID         uint           `json:"key_id"`
	KeyType       models.KeyKind `json:"key_type"`
	Name          string         `json:"name"`
	RecentBytes   uint64         `json:"recent_bytes"`
	BaselineBytes uint64         `json:"baseline_bytes"`
	Ratio         float64        `json:"ratio"`
}

// ForecastResult is the quota-exhaustion projection for a single key.
type ForecastResult struct {
	KeyID            uint           `json:"key_id"`
	KeyType          models.KeyKind `json:"key_type"`
	Status           string         `json:"status"`
	Confidence       string         `json:"confidence"`
	DaysToQuota      *int64         `json:"days_to_quota"`
	SlopeBytesPerDay float64        `json:"slope_bytes_per_day"`
	Samples          int            `json:"samples"`
}

// UsagePoint is one sample of a key's usage history.
type UsagePoint struct {
	RecordedAt time.Time `json:"recorded_at"`
	UsedBytes  uint64    `json:"used_bytes"`
	DeltaBytes uint64    `json:"delta_bytes"`
}

type keyRef struct {
	keyID   uint
	keyType models.KeyKind
}

type deltaRow struct {
	KeyID   uint
	KeyType models.KeyKind
	Total   uint64
}

// TopConsumers returns the heaviest consumers over the given window,
// ordered by summed deltas descending. kind filters to one key type when
// non-empty.
func (s *Service) TopConsumers(ctx context.Context, window time.Duration, limit int, kind models.KeyKind) ([]ConsumerSummary, error) {
	since := time.Now().UTC().Add(-window)

	query := s.db.WithContext(ctx).Model(&models.UsageSnapshot{}).
		Select("key_id, key_type, SUM(delta_bytes) AS total").
		Where("recorded_at > ?", since).
		Group("key_id, key_type").
		Order("total DESC").
		Limit(limit)
	if kind != "" {
		query = query.Where("key_type = ?", kind)
	}

	var rows []deltaRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}

	summaries := make([]ConsumerSummary, 0, len(rows))
	for _, row := range rows {
		summary := ConsumerSummary{
			KeyID:      row.KeyID,
			KeyType:    row.KeyType,
			TotalBytes: row.Total,
		}
		// A deleted key still has snapshots; report it with id only.
		switch row.KeyType {
		case models.KindDynamicKey:
			var key models.DynamicAccessKey
			if err := s.db.WithContext(ctx).First(&key, row.KeyID).Error; err == nil {
				summary.Name = key.Name
				summary.ServerID = key.ServerID
				summary.Status = key.Status
			}
		default:
			var key models.AccessKey
			if err := s.db.WithContext(ctx).First(&key, row.KeyID).Error; err == nil {
				summary.Name = key.Name
				summary.ServerID = key.ServerID
				summary.Status = key.Status
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Anomalies flags keys whose traffic over the recent window exceeds their
// own preceding seven-day baseline by at least the given ratio. Results
// are ordered by ratio descending and capped.
func (s *Service) Anomalies(ctx context.Context, recentWindow time.Duration, ratioThreshold float64) ([]AnomalySummary, error) {
	now := time.Now().UTC()
	recentStart := now.Add(-recentWindow)
	baselineStart := recentStart.Add(-baselineWindow)

	recent, err := s.deltaSums(ctx, recentStart, now)
	if err != nil {
		return nil, err
	}
	baseline, err := s.deltaSums(ctx, baselineStart, recentStart)
	if err != nil {
		return nil, err
	}

	var anomalies []AnomalySummary
	for ref, recentBytes := range recent {
		// A tiny baseline makes every ratio explode; a key going from
		// 10 KB to 40 KB is not operationally interesting. The floor also
		// precludes division by zero.
		baselineBytes := baseline[ref]
		if baselineBytes < anomalyBaselineFloor {
			continue
		}
		ratio := float64(recentBytes) / float64(baselineBytes)
		if ratio < ratioThreshold {
			continue
		}
		anomalies = append(anomalies, AnomalySummary{
			KeyID:         ref.keyID,
			KeyType:       ref.keyType,
			Name:          s.keyName(ctx, ref),
			RecentBytes:   recentBytes,
			BaselineBytes: baselineBytes,
			Ratio:         ratio,
		})
	}

	sort.Slice(anomalies, func(i, j int) bool {
		return anomalies[i].Ratio > anomalies[j].Ratio
	})
	if len(anomalies) > anomalyResultCap {
		anomalies = anomalies[:anomalyResultCap]
	}
	return anomalies, nil
}

func (s *Service) deltaSums(ctx context.Context, from, to time.Time) (map[keyRef]uint64, error) {
	var rows []deltaRow
	err := s.db.WithContext(ctx).Model(&models.UsageSnapshot{}).
		Select("key_id, key_type, SUM(delta_bytes) AS total").
		Where("recorded_at > ? AND recorded_at <= ?", from, to).
		Group("key_id, key_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	sums := make(map[keyRef]uint64, len(rows))
	for _, row := range rows {
		sums[keyRef{keyID: row.KeyID, keyType: row.KeyType}] = row.Total
	}
	return sums, nil
}

func (s *Service) keyName(ctx context.Context, ref keyRef) string {
	if ref.keyType == models.KindDynamicKey {
		var key models.DynamicAccessKey
		if err := s.db.WithContext(ctx).First(&key, ref.keyID).Error; err == nil {
			return key.Name
		}
		return ""
	}
	var key models.AccessKey
	if err := s.db.WithContext(ctx).First(&key, ref.keyID).Error; err == nil {
		return key.Name
	}
	return ""
}

// Forecast projects when a key will exhaust its quota by fitting a
// least-squares line through its trailing week of absolute usage samples.
func (s *Service) Forecast(ctx context.Context, keyID uint, kind models.KeyKind) (*ForecastResult, error) {
	meter, err := s.loadMeter(ctx, keyID, kind)
	if err != nil {
		return nil, err
	}

	result := &ForecastResult{KeyID: keyID, KeyType: kind}

	if meter.DataLimitBytes == nil || *meter.DataLimitBytes == 0 {
		result.Status = "no_quota"
		result.Confidence = "high"
		return result, nil
	}

	since := time.Now().UTC().Add(-forecastWindow)
	var snapshots []models.UsageSnapshot
	if err := s.db.WithContext(ctx).
		Where("key_id = ? AND key_type = ? AND recorded_at > ?", keyID, kind, since).
		Order("recorded_at ASC").
		Find(&snapshots).Error; err != nil {
		return nil, err
	}
	result.Samples = len(snapshots)

	if len(snapshots) < 2 {
		result.Status = "insufficient_data"
		result.Confidence = "low"
		return result, nil
	}

	// Least squares on (days since first sample, used bytes).
	first := snapshots[0].RecordedAt
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(snapshots))
	for _, snap := range snapshots {
		x := snap.RecordedAt.Sub(first).Hours() / 24
		y := float64(snap.UsedBytes)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denominator := n*sumXX - sumX*sumX
	if denominator == 0 {
		result.Status = "insufficient_data"
		result.Confidence = "low"
		return result, nil
	}
	slope := (n*sumXY - sumX*sumY) / denominator
	result.SlopeBytesPerDay = slope

	if slope <= 0 {
		result.Status = "stable"
		result.Confidence = "medium"
		return result, nil
	}

	result.Status = "projected"
	result.Confidence = confidenceFor(len(snapshots))

	limit := float64(*meter.DataLimitBytes)
	current := float64(meter.UsedBytes)
	var days int64
	if current < limit {
		days = int64(math.Ceil((limit - current) / slope))
	}
	result.DaysToQuota = &days
	return result, nil
}

func confidenceFor(samples int) string {
	switch {
	case samples >= 10:
		return "high"
	case samples >= 5:
		return "medium"
	}
	return "low"
}

// UsageHistory returns a key's snapshot series over the window, oldest
// first.
func (s *Service) UsageHistory(ctx context.Context, keyID uint, kind models.KeyKind, window time.Duration) ([]UsagePoint, error) {
	if _, err := s.loadMeter(ctx, keyID, kind); err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-window)
	var snapshots []models.UsageSnapshot
	if err := s.db.WithContext(ctx).
		Where("key_id = ? AND key_type = ? AND recorded_at > ?", keyID, kind, since).
		Order("recorded_at ASC").
		Find(&snapshots).Error; err != nil {
		return nil, err
	}

	points := make([]UsagePoint, 0, len(snapshots))
	for _, snap := range snapshots {
		points = append(points, UsagePoint{
			RecordedAt: snap.RecordedAt,
			UsedBytes:  snap.UsedBytes,
			DeltaBytes: snap.DeltaBytes,
		})
	}
	return points, nil
}

func (s *Service) loadMeter(ctx context.Context, keyID uint, kind models.KeyKind) (*models.Metering, error) {
	if kind == models.KindDynamicKey {
		var key models.DynamicAccessKey
		if err := s.db.WithContext(ctx).First(&key, keyID).Error; err != nil {
			return nil, fmt.Errorf("load %s %d: %w", kind, keyID, err)
		}
		return &key.Metering, nil
	}
	var key models.AccessKey
	if err := s.db.WithContext(ctx).First(&key, keyID).Error; err != nil {
		return nil, fmt.Errorf("load %s %d: %w", kind, keyID, err)
	}
	return &key.Metering, nil
}
