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
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"fwcore/internal/app"
	"fwcore/internal/config"
	"fwcore/internal/host"
)

var (
	flagConfig string
	flagAddr   string
	flagToken  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fwcore",
		Short:        "fwcore runs polled and task-bound modules",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "./fwcore.yaml", "path to config yaml")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newStatusCmd(),
		newControlCmd("suspend"),
		newControlCmd("resume"),
		newVersionCmd(),
	)
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every enabled module until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(flagConfig)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				_ = a.Stop(stopCtx, app.StopFatalError)
				c()
				return err
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
			defer c()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(flagConfig).Load()
			if err != nil {
				return err
			}
			enabled := 0
			for _, m := range cfg.Modules {
				if m.IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d modules, %d enabled)\n", flagConfig, len(cfg.Modules), enabled)
			return nil
		},
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagAddr, "addr", config.DefaultHTTPAddr, "control endpoint address")
	cmd.Flags().StringVar(&flagToken, "token", os.Getenv("FWCORE_TOKEN"), "bearer token (or FWCORE_TOKEN env)")
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the modules of a running instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var mods []host.ModuleInfo
			if err := call(cmd.Context(), http.MethodGet, "/modules", &mods); err != nil {
				return err
			}
			printModules(cmd.OutOrStdout(), mods)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newControlCmd(op string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   op + " <module>",
		Short: strings.ToUpper(op[:1]) + op[1:] + " a module of a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info host.ModuleInfo
			if err := call(cmd.Context(), http.MethodPost, "/modules/"+args[0]+"/"+op, &info); err != nil {
				return err
			}
			printModules(cmd.OutOrStdout(), []host.ModuleInfo{info})
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fwcore %s (commit %s)\n", Version, Commit)
		},
	}
}

func call(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, "http://"+flagAddr+path, nil)
	if err != nil {
		return err
	}
	if flagToken != "" {
		req.Header.Set("Authorization", "Bearer "+flagToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return errors.New(body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printModules(w io.Writer, mods []host.ModuleInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODE\tAVAILABLE\tSUSPENDED\tDELAY\tDISPATCHES\tNEXT")
	for _, m := range mods {
		next := "-"
		if !m.NextCallTime.IsZero() {
			next = m.NextCallTime.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%d\t%s\n",
			m.Name, m.Mode, m.Available, m.Suspended, m.DelayTime, m.Dispatches, next)
	}
	_ = tw.Flush()
}
