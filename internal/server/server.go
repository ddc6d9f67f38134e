package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/myuop2024/comms-relay/internal/call"
	"github.com/myuop2024/comms-relay/internal/chat"
	"github.com/myuop2024/comms-relay/internal/events"
	"github.com/myuop2024/comms-relay/internal/registry"
	"github.com/myuop2024/comms-relay/internal/relay"
	"github.com/myuop2024/comms-relay/internal/server/middleware"
	"github.com/myuop2024/comms-relay/internal/store"
	"github.com/myuop2024/comms-relay/pkg/config"
	"github.com/myuop2024/comms-relay/pkg/transport"
)

type App struct {
	logger *slog.Logger
	reg    registry.Backend
	router *Router
	wg     sync.WaitGroup
	http   *http.Server
	config *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootContx context.Context, cfg *config.Config, st store.Store, pub events.Publisher) *App {
	reg := registry.NewInMemory(logger)
	ch := chat.New(st, reg, cfg.Chat.MaxFileBytes, logger)
	calls := call.NewManager(reg, cfg.Call.RingTimeout, logger)
	rel := relay.New(reg, logger)
	router := NewRouter(logger, reg, ch, calls, rel, pub)

	app := &App{
		logger: logger,
		reg:    reg,
		router: router,
		config: cfg,
		ctx:    rootContx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(reg.ConnectionCount)
	// Create a cycler function that closes over the registry and logger.
	connCycler := func(userID string) {
		oldest, found := reg.OldestConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID)
			oldest.Transport.CloseWithStatus(websocket.StatusGoingAway, "connection cycled by new connection")
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			// The limiter keys on the identity the auth middleware stamped,
			// so it must sit inside it.
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler exposes the HTTP surface, mainly for tests that mount the app
// on their own listener.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	// Register the transport. The identity the token proved stays pending
	// until the in-band auth frame claims it.
	if _, err := a.reg.Register(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	verifiedUser := reqMeta.UserID
	conn.SetOnMessageHandler(func(ctx context.Context, connID uuid.UUID, msg []byte) {
		a.router.HandleMessage(ctx, connID, verifiedUser, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Debug("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.router.HandleClose(id)
	})

	connLogger.Info("Connection established, awaiting auth frame")
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Close all active WebSocket connections. The status tells clients
	// this is a server-forced drop, so they retry once after a delay
	// instead of giving up or burning their backoff schedule.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.reg.AllConnections() {
		conn.Transport.CloseWithStatus(websocket.StatusGoingAway, "server shutting down")
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
