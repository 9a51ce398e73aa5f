package deduplication

import (
	"ibex/internal/config_handler"
	"ibex/internal/logger"
	"ibex/pkg/models"
)

type Handler = config_handler.Handler

func NewHandler(service *Service, log logger.Logger) *Handler {
	return config_handler.NewHandlerWithUpdater(
		models.EventTypeDedupConfigUpdated,
		models.ServiceTypeDeduplication,
		service,
		log,
	)
}
