package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/relay"
	"github.com/doyleh/care-sync/internal/ws"
)

func SetupRoutes(reg *relay.Registry, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", Health)
	r.Get("/ws", ws.Handler(reg, log))
	return r
}
