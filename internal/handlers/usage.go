package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/shadowpanel/backend/internal/analytics"
	"github.com/shadowpanel/backend/internal/database"
	"github.com/shadowpanel/backend/internal/models"
	"github.com/shadowpanel/backend/internal/services"
)

const defaultHistoryWindow = 7 * 24 * time.Hour

// UsageHandler exposes the analytics read path and the manual cycle
// triggers.
type UsageHandler struct {
	analytics *analytics.Service
	recorder  *services.UsageRecorder
	reset     *services.QuotaResetService
}

func NewUsageHandler(svc *analytics.Service, recorder *services.UsageRecorder, reset *services.QuotaResetService) *UsageHandler {
	return &UsageHandler{analytics: svc, recorder: recorder, reset: reset}
}

func parseWindow(c *fiber.Ctx, param string, fallback time.Duration) time.Duration {
	if raw := c.Query(param); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func parseKind(raw string) (models.KeyKind, error) {
	switch raw {
	case "", string(models.KindAccessKey):
		return models.KindAccessKey, nil
	case string(models.KindDynamicKey):
		return models.KindDynamicKey, nil
	}
	return "", fmt.Errorf("unknown key type %q", raw)
}

// TopConsumers returns the heaviest consumers over a window. Results are
// cached briefly in Redis keyed by the query parameters.
func (h *UsageHandler) TopConsumers(c *fiber.Ctx) error {
	window := parseWindow(c, "range", defaultHistoryWindow)
	limit := c.QueryInt("limit", 10)
	if limit < 1 || limit > 100 {
		limit = 10
	}

	var kind models.KeyKind
	if raw := c.Query("type"); raw != "" {
		parsed, err := parseKind(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		}
		kind = parsed
	}

	cacheKey := fmt.Sprintf("%s%s:%d:%s", database.CacheKeyTopConsumers, window, limit, kind)
	var cached []analytics.ConsumerSummary
	if database.Redis != nil && database.CacheGet(cacheKey, &cached) == nil {
		return c.JSON(fiber.Map{"success": true, "data": cached})
	}

	summaries, err := h.analytics.TopConsumers(c.Context(), window, limit, kind)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute top consumers",
		})
	}

	if database.Redis != nil {
		database.CacheSet(cacheKey, summaries, database.CacheTTLAnalytics)
	}
	return c.JSON(fiber.Map{"success": true, "data": summaries})
}

func (h *UsageHandler) Anomalies(c *fiber.Ctx) error {
	window := parseWindow(c, "range", 24*time.Hour)

	threshold := 3.0
	if raw := c.Query("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Invalid threshold",
			})
		}
		threshold = parsed
	}

	cacheKey := fmt.Sprintf("%s%s:%g", database.CacheKeyAnomalies, window, threshold)
	var cached []analytics.AnomalySummary
	if database.Redis != nil && database.CacheGet(cacheKey, &cached) == nil {
		return c.JSON(fiber.Map{"success": true, "data": cached})
	}

	anomalies, err := h.analytics.Anomalies(c.Context(), window, threshold)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to detect anomalies",
		})
	}

	if database.Redis != nil {
		database.CacheSet(cacheKey, anomalies, database.CacheTTLAnalytics)
	}
	return c.JSON(fiber.Map{"success": true, "data": anomalies})
}

func (h *UsageHandler) Forecast(c *fiber.Ctx) error {
	keyID, err := c.ParamsInt("keyID")
	if err != nil || keyID < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid key id",
		})
	}
	kind, err := parseKind(c.Query("type"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	forecast, err := h.analytics.Forecast(c.Context(), uint(keyID), kind)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Key not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute forecast",
		})
	}
	return c.JSON(fiber.Map{"success": true, "data": forecast})
}

func (h *UsageHandler) History(c *fiber.Ctx) error {
	keyID, err := c.ParamsInt("keyID")
	if err != nil || keyID < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid key id",
		})
	}
	kind, err := parseKind(c.Query("type"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}
	window := parseWindow(c, "range", defaultHistoryWindow)

	points, err := h.analytics.UsageHistory(c.Context(), uint(keyID), kind, window)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Key not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load usage history",
		})
	}
	return c.JSON(fiber.Map{"success": true, "data": points})
}

// SnapshotRun triggers one snapshot cycle outside the schedule.
func (h *UsageHandler) SnapshotRun(c *fiber.Ctx) error {
	result := h.recorder.RunSnapshotCycle(c.Context())
	return c.JSON(fiber.Map{"success": true, "data": result})
}

// ReconcileRun triggers one quota reconciliation cycle outside the schedule.
func (h *UsageHandler) ReconcileRun(c *fiber.Ctx) error {
	result := h.reset.RunQuotaReconciliationCycle(c.Context())
	return c.JSON(fiber.Map{"success": true, "data": result})
}
