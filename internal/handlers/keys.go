package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/shadowpanel/backend/internal/config"
	"github.com/shadowpanel/backend/internal/database"
	"github.com/shadowpanel/backend/internal/logging"
	"github.com/shadowpanel/backend/internal/models"
	"github.com/shadowpanel/backend/internal/monitoring"
	"github.com/shadowpanel/backend/internal/services"
)

var keyLog = logging.NewLogger("key_handler")

// KeyHandler covers the metering-related key operations: data limits and
// manual usage resets. Key CRUD lives elsewhere in the dashboard.
type KeyHandler struct {
	cfg    *config.Config
	reset  *services.QuotaResetService
	client services.CounterClient
}

func NewKeyHandler(cfg *config.Config, reset *services.QuotaResetService, client services.CounterClient) *KeyHandler {
	return &KeyHandler{cfg: cfg, reset: reset, client: client}
}

func loadKey(db *gorm.DB, id uint, kind models.KeyKind) (models.MeterableKey, uint, error) {
	if kind == models.KindDynamicKey {
		var key models.DynamicAccessKey
		if err := db.First(&key, id).Error; err != nil {
			return nil, 0, err
		}
		return &key, key.ServerID, nil
	}
	var key models.AccessKey
	if err := db.First(&key, id).Error; err != nil {
		return nil, 0, err
	}
	return &key, key.ServerID, nil
}

func (h *KeyHandler) parseKeyParams(c *fiber.Ctx) (models.MeterableKey, uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return nil, 0, errors.New("invalid key id")
	}
	kind, err := parseKind(c.Query("type"))
	if err != nil {
		return nil, 0, err
	}
	return loadKey(database.DB, uint(id), kind)
}

type dataLimitRequest struct {
	LimitGB string `json:"limit_gb"`
}

// SetDataLimit stores a key's quota and pushes the corresponding absolute
// ceiling to the remote server. The remote ceiling is offset-relative:
// the remote counter keeps growing across resets, so the enforced value
// is current offset plus the quota.
func (h *KeyHandler) SetDataLimit(c *fiber.Ctx) error {
	key, serverID, err := h.parseKeyParams(c)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Key not found",
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	var req dataLimitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	limitBytes := h.cfg.DefaultDataLimitBytes
	if req.LimitGB != "" {
		parsed, err := models.ParseGigabytes(req.LimitGB)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Invalid limit_gb: " + err.Error(),
			})
		}
		limitBytes = parsed
	}
	if limitBytes == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "No limit given and no default configured",
		})
	}

	if err := database.DB.Model(models.KeyModel(key.Kind())).
		Where("id = ?", key.KeyID()).
		Update("data_limit_bytes", limitBytes).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to store data limit",
		})
	}

	// Push the ceiling best-effort. Remote enforcement catching up a cycle
	// late beats rejecting the operator's change.
	var server models.Server
	if err := database.DB.First(&server, serverID).Error; err == nil {
		ceiling := key.Meter().UsageOffset + limitBytes
		if err := h.client.SetDataLimit(c.Context(), &server, key.RemoteKeyID(), ceiling); err != nil {
			monitoring.Get().LimitPushFailures.Inc()
			keyLog.Warn().Err(err).Uint("key_id", key.KeyID()).Msg("remote limit push failed")
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"key_id":           key.KeyID(),
			"key_type":         key.Kind(),
			"data_limit_bytes": limitBytes,
		},
	})
}

// RemoveDataLimit clears a key's quota locally and on the remote server.
func (h *KeyHandler) RemoveDataLimit(c *fiber.Ctx) error {
	key, serverID, err := h.parseKeyParams(c)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Key not found",
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	if err := database.DB.Model(models.KeyModel(key.Kind())).
		Where("id = ?", key.KeyID()).
		Update("data_limit_bytes", nil).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to remove data limit",
		})
	}

	var server models.Server
	if err := database.DB.First(&server, serverID).Error; err == nil {
		if err := h.client.RemoveDataLimit(c.Context(), &server, key.RemoteKeyID()); err != nil {
			monitoring.Get().LimitPushFailures.Inc()
			keyLog.Warn().Err(err).Uint("key_id", key.KeyID()).Msg("remote limit removal failed")
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Data limit removed",
	})
}

// ResetUsage performs an immediate quota reset for one key.
func (h *KeyHandler) ResetUsage(c *fiber.Ctx) error {
	key, serverID, err := h.parseKeyParams(c)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Key not found",
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	if err := h.reset.ResetKeyNow(c.Context(), key, serverID); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Reset failed: " + err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Usage reset",
	})
}
