package inbound

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// maxBodySize bounds webhook bodies; CRM events are small.
const maxBodySize = 1 << 20

// Handler exposes the webhook endpoint.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

// NewHandler builds the webhook HTTP handler.
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: logger.With().Str("component", "webhook").Logger()}
}

// Register mounts the webhook route.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/webhooks/crm", h.handle)
}

// handle accepts one CRM event. Accepted events return 202 with the event
// state; malformed or unrecognized events return 400.
func (h *Handler) handle(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	result, err := h.svc.HandleEvent(c.Request().Context(), raw)
	if err != nil {
		h.log.Error().Err(err).Msg("webhook processing failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "event processing failed")
	}
	if result.Rejected() {
		return c.JSON(http.StatusBadRequest, result)
	}
	return c.JSON(http.StatusAccepted, result)
}
