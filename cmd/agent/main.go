package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collabtext/internal/access"
	"collabtext/internal/agent"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/protocol"
)

var (
	serverURL     string
	channelID     string
	userID        string
	userName      string
	intent        string
	retries       uint64
	lookupTimeout time.Duration
	logLevel      string
)

func init() {
	cmd.Flags().StringVar(&serverURL, "url", "", "websocket URL of the server; found over mDNS when empty")
	cmd.Flags().StringVar(&channelID, "channel", "", "channel to open")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&userName, "name", "", "display name shown to other members")
	cmd.Flags().StringVar(&intent, "intent", string(access.IntentConnect), "connect or request-access")
	cmd.Flags().Uint64Var(&retries, "retries", 10, "reconnect attempts before giving up, 0 for no limit")
	cmd.Flags().DurationVar(&lookupTimeout, "lookup-timeout", 15*time.Second, "how long to browse for a server")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "logging level")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("user")
}

var cmd = &cobra.Command{
	Use:          "collabtext-agent",
	Short:        "edit a shared channel from the terminal",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !access.Intent(intent).Valid() {
			return fmt.Errorf("--intent must be %s or %s", access.IntentConnect, access.IntentRequestAccess)
		}
		logger, err := logging.New(logLevel, "console")
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if serverURL == "" {
			lookupCtx, stop := context.WithTimeout(ctx, lookupTimeout)
			peer, err := discovery.Lookup(lookupCtx)
			stop()
			if err != nil {
				return fmt.Errorf("find a server (or pass --url): %w", err)
			}
			serverURL = peer.URL()
			logger.Info("discovered server", zap.String("instance", peer.Instance), zap.String("url", serverURL))
		}

		out := &console{w: cmd.OutOrStdout()}
		a := agent.New(agent.Config{
			URL:        serverURL,
			ChannelID:  channelID,
			UserID:     userID,
			UserName:   userName,
			Intent:     access.Intent(intent),
			MaxRetries: retries,
		},
			agent.WithLogger(logger),
			agent.WithRenderer(func(text string) { out.printf("%s\n", text) }),
			agent.WithStatusHandler(func(s access.Status) { out.printf("[%s]\n", s) }),
			agent.OnAccessRequest(func(req protocol.AccessRequest) {
				out.printf("%s (%s) asks to join: /grant %s or /reject %s\n", req.UserID, req.UserName, req.UserID, req.UserID)
			}),
		)

		go func() {
			if err := readCommands(a, cmd.InOrStdin(), out); err != nil {
				logger.Warn("reading commands", zap.Error(err))
			}
			cancel()
		}()

		err = a.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
