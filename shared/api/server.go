// shared/api/server.go
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
)

// BaseServer is the HTTP server every matchmaker endpoint is mounted on.
type BaseServer struct {
	Router *mux.Router
	Server *http.Server
	logger *zap.Logger
}

// NewBaseServer builds a router with access logging and CORS. observer may be nil.
func NewBaseServer(addr string, logger *zap.Logger, observer RequestObserver) *BaseServer {
	logger = logging.OrNop(logger).Named("http")

	router := mux.NewRouter()
	router.Use(LoggingMiddleware(logger, observer))
	router.Use(CORSMiddleware)

	return &BaseServer{
		Router: router,
		Server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called.
func (bs *BaseServer) Start() error {
	bs.logger.Info("Starting HTTP server", zap.String("addr", bs.Server.Addr))
	if err := bs.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones until ctx is done.
func (bs *BaseServer) Shutdown(ctx context.Context) error {
	bs.logger.Info("Shutting down HTTP server")
	return bs.Server.Shutdown(ctx)
}
