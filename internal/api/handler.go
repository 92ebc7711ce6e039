package api

import (
	"log/slog"

	"github.com/shaiso/Tapestry/internal/orchestrator"
	"github.com/shaiso/Tapestry/internal/templatestore"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orch      *orchestrator.Orchestrator
	templates *templatestore.Store
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Templates    *templatestore.Store
	Logger       *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:      cfg.Orchestrator,
		templates: cfg.Templates,
		logger:    logger,
	}
}
