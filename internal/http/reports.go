package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmehdipour/newsletter-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listEventsHandler(chRepo repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var outcome model.OutcomeKind
		if raw := strings.TrimSpace(c.QueryParam("outcome")); raw != "" {
			k, ok := model.ParseOutcomeKind(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, model.APIResponse{Error: "invalid outcome"})
			}
			outcome = k
		}

		evs, err := chRepo.ListRecent(c.Request().Context(), outcome, limit, offset)
		if err != nil {
			logger.Log.Error("clickhouse list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, model.APIResponse{Error: "query failed"})
		}

		return c.JSON(http.StatusOK, model.APIResponse{
			Success: true,
			Data: map[string]any{
				"limit":   limit,
				"offset":  offset,
				"count":   len(evs),
				"results": evs,
			},
		})
	}
}

// summaryHandler counts outcomes over the trailing window (?hours=, default 24).
func summaryHandler(chRepo repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		hours := 24
		if v := c.QueryParam("hours"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 24*90 {
				hours = n
			}
		}

		since := time.Now().Add(-time.Duration(hours) * time.Hour).UTC()
		counts, err := chRepo.CountByOutcome(c.Request().Context(), since)
		if err != nil {
			logger.Log.Error("clickhouse summary failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, model.APIResponse{Error: "query failed"})
		}

		return c.JSON(http.StatusOK, model.APIResponse{
			Success: true,
			Data: map[string]any{
				"since":  since,
				"counts": counts,
			},
		})
	}
}
