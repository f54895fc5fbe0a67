package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kioskwatch/internal/heartbeat"
	"kioskwatch/internal/kioskclient"
	"kioskwatch/internal/logging"
	"kioskwatch/pkg/types"
)

type kioskOptions struct {
	server   string
	account  string
	name     string
	email    string
	interval time.Duration
}

// FUNCTIONAL DISCOVERY: kiosk mode is the terminal side of presence: open, beat, end on exit
func newKioskCmd(opts *rootOptions) *cobra.Command {
	ko := &kioskOptions{}
	cmd := &cobra.Command{
		Use:   "kiosk",
		Short: "Run a heartbeat client for one kiosk until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !types.IsValidAccountID(ko.account) {
				return fmt.Errorf("--account: %w", types.ErrInvalidAccountID)
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(*cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			interval := ko.interval
			if interval <= 0 {
				interval = cfg.Presence.HeartbeatInterval
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runKiosk(ctx, ko, interval, logger)
		},
	}
	cmd.Flags().StringVar(&ko.server, "server", "http://localhost:8080", "presence service base URL")
	cmd.Flags().StringVar(&ko.account, "account", "", "account id that owns the kiosk, e.g. MEGG-679622")
	cmd.Flags().StringVar(&ko.name, "name", "", "display name of the signed-in user")
	cmd.Flags().StringVar(&ko.email, "email", "", "email of the signed-in user")
	cmd.Flags().DurationVar(&ko.interval, "interval", 0, "heartbeat interval (default presence.heartbeat_interval)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

// runKiosk opens the session, heartbeats until ctx is done, then ends the
// session with user-logout.
func runKiosk(ctx context.Context, ko *kioskOptions, interval time.Duration, logger *zap.Logger) error {
	client, err := kioskclient.New(ko.server)
	if err != nil {
		return err
	}

	sess, err := client.Open(ctx, ko.account, ko.name, ko.email)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	logger.Info("kiosk session opened", zap.String("kiosk_id", sess.KioskID))

	hb, err := heartbeat.NewClient(client, sess.KioskID,
		heartbeat.WithInterval(interval),
		heartbeat.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := hb.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	endCtx, cancel := context.WithTimeout(context.Background(), kioskclient.DefaultTimeout)
	defer cancel()
	if err := hb.End(endCtx, types.ReasonUserLogout); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	sent, failures := hb.Stats()
	logger.Info("kiosk session ended", zap.Int("heartbeats", sent), zap.Int("failures", failures))
	return nil
}
