// cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/rentrt/internal/auth"
	"github.com/markb/rentrt/internal/db"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reference server",
	Long:  `Starts the HTTP server with the notification REST API and the messaging, notifications and user-status websocket endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := stringSetting(cmd, "db", "RENTRT_DB", "rentrt.db")
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")
		useHTTPS, _ := cmd.Flags().GetBool("https")

		issuer, err := auth.NewIssuer(jwtSecret())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tel, cleanup, err := observability.Init(ctx, buildTelemetryConfig(cmd))
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()

		database, err := db.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		// Run migrations in case schema is outdated
		if err := database.RunMigrations(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		// Nobody is connected to a freshly started server.
		if err := database.MarkAllOffline(ctx); err != nil {
			return fmt.Errorf("failed to reset presence: %w", err)
		}

		srv := server.New(database, issuer, tel)
		addr := fmt.Sprintf("%s:%d", host, port)

		errc := make(chan error, 1)
		go func() {
			if useHTTPS {
				domain, _ := cmd.Flags().GetString("domain")
				certDir, _ := cmd.Flags().GetString("cert-dir")
				fmt.Printf("Starting rentrt on https://%s\n", domain)
				errc <- srv.ListenAndServeTLS(server.HTTPSConfig{Domain: domain, CertDir: certDir})
				return
			}
			fmt.Printf("Starting rentrt on %s\n", addr)
			fmt.Printf("  Notifications API: http://%s/api/notifications\n", addr)
			fmt.Printf("  Realtime:          ws://%s/realtime/{messaging|notifications|user-status}\n", addr)
			errc <- srv.ListenAndServe(addr)
		}()

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("db", "", "Path to database file (env RENTRT_DB, default rentrt.db)")
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Bool("https", false, "Serve HTTPS with a Let's Encrypt certificate")
	serveCmd.Flags().String("domain", "", "Public domain for the HTTPS certificate")
	serveCmd.Flags().String("cert-dir", "./certs", "Directory to cache certificates")
}
