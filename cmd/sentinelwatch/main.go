// sentinelwatch follows a redis sentinel group, logging every failover and
// exposing the group's current topology and the client's metrics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mediocregopher/sentinel"
	"github.com/mediocregopher/sentinel/metrics"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var v *viper.Viper

	root := &cobra.Command{
		Use:   "sentinelwatch",
		Short: "Follow a redis sentinel group and report on its failovers",
		Long: `sentinelwatch discovers the primary and replicas of a redis sentinel group
and follows the group through failovers.

Configuration is read from flags, from SENTINELWATCH_ prefixed environment
variables (e.g. SENTINELWATCH_GROUP, SENTINELWATCH_HEALTH_CHECK_INTERVAL) and
from the file given with --config, in that order of precedence.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var err error
			v, err = newViper(cmd.Flags())
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, v)
		},
	}
	registerFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Follow the group until interrupted (the default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, v)
		},
	})

	topo := &cobra.Command{
		Use:   "topology",
		Short: "Discover the group once and print its topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			return runTopology(cmd, v, output)
		},
	}
	topo.Flags().StringP("output", "o", "yaml", "Output format, yaml or json")
	root.AddCommand(topo)

	return root
}

func newLogger(w io.Writer, lvl slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func runWatch(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := LoadConfig(v)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	col := metrics.New()

	opts := append(cfg.Opts(logger, col), sentinel.WithOnFailover(func(m sentinel.Manager) {
		var replicas []string
		for _, r := range m.Replicas() {
			replicas = append(replicas, r.Addr())
		}
		logger.Info("failover",
			"group", cfg.Group,
			"primary", m.Primary().Addr(),
			"replicas", strings.Join(replicas, ","),
		)
	}))

	s, err := sentinel.New(cfg.Group, cfg.Sentinels, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("closing sentinel", "err", err)
		}
	}()

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           newRouter(cfg.Group, s, col),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving http", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "err", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down http server", "err", err)
		}
	}
	return nil
}

func runTopology(cmd *cobra.Command, v *viper.Viper, output string) error {
	cfg, err := LoadConfig(v)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	s, err := sentinel.New(cfg.Group, cfg.Sentinels, cfg.Opts(logger, nil)...)
	if err != nil {
		return err
	}
	if _, err := s.Start(cmd.Context()); err != nil {
		return err
	}
	snap := s.Snapshot()
	if err := s.Close(); err != nil {
		logger.Warn("closing sentinel", "err", err)
	}

	return writeSnapshot(cmd.OutOrStdout(), snap, output)
}

func writeSnapshot(w io.Writer, snap sentinel.Snapshot, output string) error {
	switch strings.ToLower(output) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
