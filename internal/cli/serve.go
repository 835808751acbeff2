package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/parley/internal/adapters/quota"
	"github.com/PabloGalante/parley/internal/adapters/responder"
	firestorestore "github.com/PabloGalante/parley/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/parley/internal/adapters/storage/memory"
	sqlitestore "github.com/PabloGalante/parley/internal/adapters/storage/sqlite"
	"github.com/PabloGalante/parley/internal/adapters/ws"
	"github.com/PabloGalante/parley/internal/app/session"
	"github.com/PabloGalante/parley/internal/app/transcript"
	"github.com/PabloGalante/parley/internal/config"
	"github.com/PabloGalante/parley/internal/domain"
	"github.com/PabloGalante/parley/internal/observability"
)

const sweepInterval = 5 * time.Minute

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dialogue server",
		Run:   runServe,
	}
	cmd.Flags().String("port", "", "Listen port (overrides config)")
	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if p, _ := cmd.Flags().GetString("port"); p != "" {
		cfg.Server.Port = p
	}

	log := observability.Logger()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp := buildResponder(ctx, cfg)
	sessions, messages, closeStore := buildStorage(ctx, cfg)
	defer closeStore()

	mgr := session.NewManager(session.Deps{
		Responder: resp,
		Quota:     quota.NewMemoryService(cfg.Server.QuotaPerSession),
		Sessions:  sessions,
		Messages:  messages,
	}, session.Tuning{
		InboxSize:        cfg.Server.InboxSize,
		ContextBudget:    cfg.Server.ContextBudget,
		ResponderTimeout: cfg.Server.ResponderTimeout,
		IdleTTL:          cfg.Server.IdleTTL,
		HistoryLimit:     cfg.Server.HistoryLimit,
	})
	go mgr.RunSweeper(ctx, sweepInterval)

	transcripts := transcript.NewService(sessions, messages)
	handler := ws.NewServer(mgr, transcripts, ws.NewAuthorizer(cfg.Server.AuthToken), ws.Options{
		HistoryLimit: cfg.Server.HistoryLimit,
	})

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("parley server listening",
		"port", cfg.Server.Port,
		"storage", cfg.Server.StorageBackend,
		"mock_responder", cfg.Responder.UseMock)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Error("server shutdown", "error", err)
		}
		mgr.CloseAll()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			exitErr("serve", err)
		}
	}
}

func buildResponder(ctx context.Context, cfg *config.Config) domain.Responder {
	if cfg.Responder.UseMock {
		observability.Logger().Info("using mock responder")
		return responder.NewMock()
	}
	v, err := responder.NewVertex(ctx, cfg.Responder.GCPProjectID, cfg.Responder.GCPLocation, cfg.Responder.ModelName)
	if err != nil {
		exitErr("init vertex responder", err)
	}
	observability.Logger().Info("using vertex responder", "model", cfg.Responder.ModelName)
	return v
}

func buildStorage(ctx context.Context, cfg *config.Config) (domain.SessionStore, domain.MessageStore, func()) {
	log := observability.Logger()
	switch cfg.Server.StorageBackend {
	case "firestore":
		log.Info("using firestore storage", "project", cfg.Responder.GCPProjectID)
		fs, err := firestorestore.NewStore(ctx, cfg.Responder.GCPProjectID)
		if err != nil {
			exitErr("init firestore store", err)
		}
		// 1 store, implements 2 interfaces
		return fs, fs, func() { fs.Close() }
	case "sqlite":
		log.Info("using sqlite storage", "path", cfg.Server.SQLitePath)
		db, err := sqlitestore.NewStore(cfg.Server.SQLitePath)
		if err != nil {
			exitErr("init sqlite store", err)
		}
		return db, db, func() { db.Close() }
	default:
		log.Info("using in-memory storage")
		return memstore.NewSessionStore(), memstore.NewMessageStore(), func() {}
	}
}
