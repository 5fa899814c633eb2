package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/navid-fn/txradar/server/internal/service"
)

type RollupHandler struct {
	rollupService *service.RollupsService
	logger        *slog.Logger
}

func NewRollupHandler(service *service.RollupsService, logger *slog.Logger) *RollupHandler {
	return &RollupHandler{
		rollupService: service,
		logger:        logger,
	}
}

func queryParams(c *gin.Context) service.QueryParams {
	return service.QueryParams{
		Tenant: c.Query("tenant"),
		Source: c.Query("source"),
		Period: c.DefaultQuery("period", "day"),
		Start:  c.Query("start"),
		End:    c.Query("end"),
	}
}

func (h *RollupHandler) GetRollups(c *gin.Context) {
	rows, err := h.rollupService.GetRollups(c.Request.Context(), queryParams(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *RollupHandler) GetSummary(c *gin.Context) {
	rows, err := h.rollupService.GetSummary(c.Request.Context(), queryParams(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *RollupHandler) fail(c *gin.Context, err error) {
	if errors.Is(err, service.ErrInvalidQuery) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("Rollup query failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
