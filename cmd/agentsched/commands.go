package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"agentsched/internal/app"
	"agentsched/internal/config"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "agentsched",
		Short:         "Distributed scheduler for periodic caching agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newCheckConfigCmd(&cfgPath),
		newStatusCmd(&cfgPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scheduler pod until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(*cfgPath, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", time.Minute, "upper bound for graceful shutdown")
	return cmd
}

func run(cfgPath string, stopTimeout time.Duration) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx)

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopWatchdog()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	if err := a.Stop(sctx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// startWatchdog pings the systemd watchdog at half its interval when the
// unit enables it.
func startWatchdog(ctx context.Context) func() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return func() {}
	}
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: store=%s sharding=%s/%s agents=%d\n",
				cfg.Store.Driver, cfg.Sharding.Strategy, cfg.Sharding.Key, len(cfg.Agents))
			return nil
		},
	}
}

func newStatusCmd(cfgPath *string) *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status document of a running pod",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" || token == "" {
				cfg, err := config.NewManager(*cfgPath).Parse()
				if err != nil {
					return err
				}
				if addr == "" {
					addr = cfg.Admin.Addr
				}
				if token == "" {
					token = cfg.Admin.Token
				}
			}
			return fetchStatus(cmd.Context(), cmd.OutOrStdout(), addr, token)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (defaults to admin.addr)")
	cmd.Flags().StringVar(&token, "token", "", "admin token (defaults to admin.token)")
	return cmd
}

func fetchStatus(ctx context.Context, w io.Writer, addr, token string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/status", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: %s", resp.Status)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return errors.Join(errors.New("status: bad response"), err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
