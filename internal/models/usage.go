package models

import "time"

// UsageSnapshot is an immutable point-in-time record of displayed usage
// and its delta since the previous capture. Created only by the snapshot
// recorder; never updated. DeltaBytes is >= 0 by construction, even
// across resets and remote counter regressions.
type UsageSnapshot struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	KeyID      uint      `gorm:"column:key_id;not null;index:idx_snapshots_key" json:"key_id"`
	KeyType    KeyKind   `gorm:"column:key_type;size:20;not null;index:idx_snapshots_key" json:"key_type"`
	UsedBytes  uint64    `gorm:"column:used_bytes;not null" json:"used_bytes"`
	DeltaBytes uint64    `gorm:"column:delta_bytes;not null" json:"delta_bytes"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null;index" json:"recorded_at"`
}

// TrafficLog is the legacy per-access-key time series, kept for the old
// per-key usage charts. Same immutability contract as UsageSnapshot.
type TrafficLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccessKeyID uint      `gorm:"column:access_key_id;not null;index" json:"access_key_id"`
	UsedBytes   uint64    `gorm:"column:used_bytes;not null" json:"used_bytes"`
	DeltaBytes  uint64    `gorm:"column:delta_bytes;not null" json:"delta_bytes"`
	RecordedAt  time.Time `gorm:"column:recorded_at;not null;index" json:"recorded_at"`
}

// NotificationLog is an append-only audit of alerts already sent, used to
// suppress duplicates within a cooldown window.
type NotificationLog struct {
	ID      uint      `gorm:"primaryKey" json:"id"`
	KeyID   uint      `gorm:"column:key_id;not null;index:idx_notifications_key" json:"key_id"`
	KeyType KeyKind   `gorm:"column:key_type;size:20;not null;index:idx_notifications_key" json:"key_type"`
	Event   string    `gorm:"size:50;not null" json:"event"`
	SentAt  time.Time `gorm:"column:sent_at;not null;index" json:"sent_at"`
}
