package models

import (
	"time"

	"gorm.io/gorm"
)

// Server is a remote Outline/Shadowsocks server managed by the panel. The
// management API is reached over HTTPS with a self-signed certificate,
// identified by its SHA-256 fingerprint.
type Server struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"size:100;not null" json:"name"`
	APIURL     string `gorm:"column:api_url;size:255;not null;uniqueIndex" json:"api_url"`
	CertSHA256 string `gorm:"column:cert_sha256;size:64;not null" json:"-"`

	// Status, maintained by the snapshot recorder
	IsActive  bool       `gorm:"default:true;index" json:"is_active"`
	IsOnline  bool       `gorm:"default:false" json:"is_online"`
	LastSeen  *time.Time `json:"last_seen"`
	LastError string     `gorm:"size:500" json:"last_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
