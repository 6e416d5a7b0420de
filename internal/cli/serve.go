package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omasakun/remote-tasks/internal/api"
	"github.com/omasakun/remote-tasks/internal/queue"
	"github.com/omasakun/remote-tasks/internal/scheduler"
)

var (
	serveAddr string
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue server",
	Long: `Serve the HTTP API backed by a SQLite store. The server also runs
the schedule service, which submits tasks for due cron schedules.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP bind address (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite DB path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.Server.Address = serveAddr
	}
	if serveDB != "" {
		cfg.Server.DBPath = serveDB
	}

	db, err := queue.Open(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := queue.EnsureSchema(db); err != nil {
		return err
	}
	repo := queue.NewSQLiteRepo(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewService(repo, cfg.Server.ScheduleCheckInterval.Std())
	go sched.Start(ctx)

	srv := &http.Server{Addr: cfg.Server.Address, Handler: api.NewServerWithDebug(repo, cfg.Server.EnableDebug)}
	go func() {
		log.Info().Str("addr", cfg.Server.Address).Str("db", cfg.Server.DBPath).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	return srv.Shutdown(ctxTimeout)
}
