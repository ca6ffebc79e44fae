package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeyKind tags which key table a usage record belongs to. Static access
// keys and dynamic subscription keys share one snapshot stream.
type KeyKind string

const (
	KindAccessKey  KeyKind = "access_key"
	KindDynamicKey KeyKind = "dynamic_key"
)

// KeyStatus represents the lifecycle status of a key.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusDisabled KeyStatus = "disabled"
	KeyStatusExpired  KeyStatus = "expired"
	KeyStatusDepleted KeyStatus = "depleted"
	KeyStatusPending  KeyStatus = "pending"
)

// ResetStrategy is the recurrence at which a key's displayed usage is
// zeroed and its remote enforcement ceiling re-derived.
type ResetStrategy string

const (
	ResetNever   ResetStrategy = "never"
	ResetDaily   ResetStrategy = "daily"
	ResetWeekly  ResetStrategy = "weekly"
	ResetMonthly ResetStrategy = "monthly"
)

// IntervalDays returns the reset interval as a fixed day count. Monthly
// means every 30 days, not "the 1st of the month" - the check is
// calendar-approximate on purpose.
func (s ResetStrategy) IntervalDays() float64 {
	switch s {
	case ResetDaily:
		return 1
	case ResetWeekly:
		return 7
	case ResetMonthly:
		return 30
	}
	return 0
}

// Metering holds the usage-ledger fields shared by both key kinds.
// Invariant: UsedBytes = remote cumulative at last snapshot - UsageOffset,
// clamped at zero. The remote server only counts upward between restarts;
// resets exist purely in the offset.
type Metering struct {
	UsedBytes          uint64        `gorm:"column:used_bytes;default:0" json:"used_bytes"`
	UsageOffset        uint64        `gorm:"column:usage_offset;default:0" json:"usage_offset"`
	DataLimitBytes     *uint64       `gorm:"column:data_limit_bytes" json:"data_limit_bytes"`
	ResetStrategy      ResetStrategy `gorm:"column:reset_strategy;size:20;default:never" json:"reset_strategy"`
	LastDataLimitReset *time.Time    `gorm:"column:last_data_limit_reset" json:"last_data_limit_reset"`
	Status             KeyStatus     `gorm:"column:status;size:20;default:active;index" json:"status"`
}

// UsagePercent returns displayed usage as a percentage of the data limit,
// or -1 when the key has no limit.
func (m *Metering) UsagePercent() float64 {
	if m.DataLimitBytes == nil || *m.DataLimitBytes == 0 {
		return -1
	}
	return float64(m.UsedBytes) / float64(*m.DataLimitBytes) * 100
}

// MeterableKey is the common metering capability shared by both key
// kinds, so the engine never branches on a type string.
type MeterableKey interface {
	KeyID() uint
	Kind() KeyKind
	RemoteKeyID() string
	DisplayName() string
	Expiry() *time.Time
	Meter() *Metering
}

// AccessKey is a static Shadowsocks access key provisioned on a server.
type AccessKey struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	RemoteID string  `gorm:"column:remote_id;size:64;not null;index" json:"remote_id"`
	Name     string  `gorm:"size:255" json:"name"`
	ServerID uint    `gorm:"not null;index" json:"server_id"`
	Server   *Server `gorm:"foreignKey:ServerID" json:"server,omitempty"`

	Metering `gorm:"embedded"`

	ExpiresAt *time.Time     `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (k *AccessKey) KeyID() uint         { return k.ID }
func (k *AccessKey) Kind() KeyKind       { return KindAccessKey }
func (k *AccessKey) RemoteKeyID() string { return k.RemoteID }
func (k *AccessKey) DisplayName() string { return k.Name }
func (k *AccessKey) Expiry() *time.Time  { return k.ExpiresAt }
func (k *AccessKey) Meter() *Metering    { return &k.Metering }

// DynamicAccessKey is a subscription-page key. Structurally identical to
// AccessKey for metering purposes; it additionally carries the token that
// appears in the subscription URL.
type DynamicAccessKey struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	RemoteID string  `gorm:"column:remote_id;size:64;not null;index" json:"remote_id"`
	Name     string  `gorm:"size:255" json:"name"`
	Token    string  `gorm:"size:64;uniqueIndex" json:"token"`
	ServerID uint    `gorm:"not null;index" json:"server_id"`
	Server   *Server `gorm:"foreignKey:ServerID" json:"server,omitempty"`

	Metering `gorm:"embedded"`

	ExpiresAt *time.Time     `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (k *DynamicAccessKey) KeyID() uint         { return k.ID }
func (k *DynamicAccessKey) Kind() KeyKind       { return KindDynamicKey }
func (k *DynamicAccessKey) RemoteKeyID() string { return k.RemoteID }
func (k *DynamicAccessKey) DisplayName() string { return k.Name }
func (k *DynamicAccessKey) Expiry() *time.Time  { return k.ExpiresAt }
func (k *DynamicAccessKey) Meter() *Metering    { return &k.Metering }

func (k *DynamicAccessKey) BeforeCreate(tx *gorm.DB) error {
	if k.Token == "" {
		k.Token = uuid.NewString()
	}
	return nil
}

// KeyModel returns the gorm model for a key kind, for targeted updates.
func KeyModel(kind KeyKind) interface{} {
	if kind == KindDynamicKey {
		return &DynamicAccessKey{}
	}
	return &AccessKey{}
}
