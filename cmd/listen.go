// cmd/listen.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markb/rentrt/internal/api"
	"github.com/markb/rentrt/internal/auth"
	"github.com/markb/rentrt/internal/connection"
	"github.com/markb/rentrt/internal/health"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/notification"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/session"
	"github.com/markb/rentrt/internal/wire"
)

var inboundTypes = []string{
	wire.TypeNewMessage,
	wire.TypeUserStatusUpdate,
	wire.TypeSystemNotification,
	wire.TypeError,
	wire.TypeNewNotification,
	wire.TypeNotificationRead,
	wire.TypeUserOnline,
	wire.TypeUserOffline,
	wire.TypeBulkUserStatus,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to the real-time endpoints and log every event",
	Long: `Signs in with a bearer token, opens the messaging, notifications and
user-status endpoints and logs every event and health change until
interrupted or until the token expires.

Examples:
  rentrt listen --token "$(rentrt token u1 --name Ana)"
  RENTRT_URL=https://rent.example.com RENTRT_TOKEN=... rentrt listen --status away`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := stringSetting(cmd, "url", "RENTRT_URL", "http://localhost:8080")
		token := stringSetting(cmd, "token", "RENTRT_TOKEN", "")
		status, _ := cmd.Flags().GetString("status")

		healthInterval, err := durationSetting(cmd, "health-interval", "RENTRT_HEALTH_INTERVAL", health.DefaultInterval)
		if err != nil {
			return err
		}
		attempts, err := intSetting(cmd, "reconnect-attempts", "RENTRT_RECONNECT_ATTEMPTS", connection.DefaultReconnectPolicy().MaxAttempts)
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

		tokens := auth.NewTokenStore(token)
		if !tokens.Authenticated() {
			return fmt.Errorf("%w: pass --token or set RENTRT_TOKEN", session.ErrAuthRequired)
		}

		connCfg := connection.DefaultConfig()
		connCfg.Reconnect.MaxAttempts = attempts

		client := api.New(baseURL, tokens)
		notifs := notification.NewService(
			notification.NewStore(notification.DefaultCapacity),
			client,
			notification.LogAlerter{},
			notification.NewLogNotifier(true),
		)

		ctrl := session.New(session.Deps{
			Dialer:         connection.NewWebSocketDialer(baseURL),
			Auth:           tokens,
			Connection:     connCfg,
			Notifications:  notifs,
			HealthInterval: healthInterval,
			Metrics:        tel.Metrics(),
			TracerProvider: tel.TracerProvider(),
		})
		defer ctrl.Close()

		logEvent := func(ctx context.Context, msg wire.Message) error {
			log.Info("listen: event", "type", msg.Type(), "id", msg.Envelope.ID, "data", string(msg.Envelope.Data))
			return nil
		}
		disabled := make(chan struct{}, 1)
		ctrl.OnStateChange(func(s session.State) {
			log.Info("listen: state changed", "state", string(s))
			switch s {
			case session.StateConnecting:
				// Subscriptions end with every disable; register before the
				// first frame can arrive.
				for _, t := range inboundTypes {
					ctrl.Subscribe(t, logEvent)
				}
			case session.StateDisabled:
				select {
				case disabled <- struct{}{}:
				default:
				}
			}
		})
		ctrl.Health().OnChange(func(h health.Status) {
			log.Info("listen: health changed",
				"state", string(h.State),
				"connected", h.ConnectedEndpoints,
				"failed", h.Failed,
			)
		})
		notifs.Store().OnChange(func(unread int) {
			log.Info("listen: unread count", "unread", unread)
		})

		ctrl.Start(ctx)
		if err := ctrl.Enable(ctx); err != nil {
			var cerr *connection.ConnectionError
			if errors.As(err, &cerr) {
				return fmt.Errorf("no real-time endpoint reachable: %w", err)
			}
			return err
		}
		log.Info("listen: enabled", "sub", tokens.Subject(), "endpoints", ctrl.Connections().ConnectedEndpoints())

		if err := notifs.Refresh(ctx); err != nil {
			log.Warn("listen: cannot load stored notifications", "error", err.Error())
		}
		for _, r := range ctrl.Presence().OnlineUsers() {
			log.Info("listen: online", "user_id", r.UserID, "user_name", r.UserName, "status", string(r.Status))
		}

		if status != "" {
			if !ctrl.Send(wire.EndpointUserStatus, wire.TypeSetStatus, wire.SetStatus{Status: status}) {
				log.Warn("listen: cannot send status", "status", status)
			}
		}

		select {
		case <-ctx.Done():
		case <-disabled:
			if text := ctrl.StatusText(); text != "" {
				log.Warn("listen: real-time disabled", "reason", text)
			}
		}

		stats := ctrl.Stats()
		log.Info("listen: stopped", "received", stats.Received, "sent", stats.Sent, "dropped", stats.Dropped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().String("url", "", "Server base URL (env RENTRT_URL, default http://localhost:8080)")
	listenCmd.Flags().String("token", "", "Bearer token (env RENTRT_TOKEN)")
	listenCmd.Flags().String("status", "", "Status to publish once connected: online, away, busy")
	listenCmd.Flags().Duration("health-interval", health.DefaultInterval, "Health check period (env RENTRT_HEALTH_INTERVAL)")
	listenCmd.Flags().Int("reconnect-attempts", connection.DefaultReconnectPolicy().MaxAttempts, "Reconnect attempts after a drop, 0 disables (env RENTRT_RECONNECT_ATTEMPTS)")
}
