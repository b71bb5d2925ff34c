package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/convergectl/internal/agent"
	"github.com/danmuck/convergectl/internal/auth"
	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/report"
	"github.com/danmuck/convergectl/internal/resource"
	"github.com/danmuck/convergectl/internal/server"
)

const defaultHostFile = "/etc/convergectl/host.yaml"

type rootOptions struct {
	hostFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "convergectl",
		Short:         "Converge a host running zookeeper, kafka, storm and supervisord",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
	}
	root.PersistentFlags().StringVar(&opts.hostFile, "host-file", defaultHostFile, "host desired-state YAML")

	root.AddCommand(
		newConvergeCmd(opts),
		newAgentCmd(),
		newRenderCmd(opts),
		newNodeCmd(opts),
		newConfigCmd(),
		newReportCmd(),
	)
	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newConvergeCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun    bool
		reportDir string
	)
	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Run every enabled recipe once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := converge(ctx, opts.hostFile, dryRun)
			if reportDir != "" && !r.Started.IsZero() {
				if saveErr := report.Save(reportDir, r); saveErr != nil {
					return errors.Join(err, saveErr)
				}
			}
			if !r.Started.IsZero() {
				fmt.Fprint(cmd.OutOrStdout(), report.Summary(r))
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without applying them")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "write last-run.toml here")
	return cmd
}

func newAgentCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Converge on an interval and serve the admin plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(configPath)
			if err != nil {
				return err
			}
			tlsCfg, err := cfg.TLS.ServerConfig()
			if err != nil {
				return err
			}
			host, err := config.LoadHost(cfg.HostFile)
			if err != nil {
				return err
			}

			a := agent.New(agent.Config{
				Host:      host.Name,
				Interval:  cfg.Interval,
				ReportDir: cfg.ReportDir,
				Run: func(ctx context.Context) (resource.Report, error) {
					return converge(ctx, cfg.HostFile, cfg.DryRun)
				},
			})
			var validator auth.Validator
			if cfg.Token != "" {
				validator = auth.StaticToken{Token: cfg.Token}
			}
			srv := server.New(server.Config{
				Host:        host.Name,
				Addr:        cfg.Addr,
				CorsOrigins: cfg.CorsOrigins,
				Validator:   validator,
				TLS:         tlsCfg,
				Runs:        a,
			})

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			serveErr := make(chan error, 1)
			go func() {
				serveErr <- srv.Serve(ctx)
				cancel()
			}()
			loopErr := a.Loop(ctx)
			return errors.Join(loopErr, <-serveErr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/convergectl/agent.toml", "agent TOML config")
	return cmd
}

func newRenderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render [file]",
		Short: "List managed files, or print one as it would be written",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, resources, err := plan(cmd.Context(), opts.hostFile)
			if err != nil {
				return err
			}
			files := map[string][]byte{}
			for _, res := range resources {
				if spec, ok := res.Spec.(resource.FileSpec); ok {
					files[spec.Path] = spec.Content
				}
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				paths := make([]string, 0, len(files))
				for p := range files {
					paths = append(paths, p)
				}
				sort.Strings(paths)
				for _, p := range paths {
					fmt.Fprintln(out, p)
				}
				return nil
			}
			want := args[0]
			var matches []string
			for p := range files {
				if p == want || filepath.Base(p) == want {
					matches = append(matches, p)
				}
			}
			switch len(matches) {
			case 0:
				return fmt.Errorf("no managed file %q", want)
			case 1:
				_, err := out.Write(files[matches[0]])
				return err
			default:
				sort.Strings(matches)
				return fmt.Errorf("%q is ambiguous: %v", want, matches)
			}
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check config files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <host|agent> <path>",
		Short: "Write a config template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[1], args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", args[0], args[1])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <host|agent> <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch args[0] {
			case "host":
				_, err = config.LoadHost(args[1])
			case "agent":
				_, err = config.LoadAgentConfig(args[1])
			default:
				err = fmt.Errorf("unknown config kind: %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s config %s is valid\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func newReportCmd() *cobra.Command {
	var reportDir string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the last recorded run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := report.Load(report.Path(reportDir))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Summary(r))
			return nil
		},
	}
	cmd.Flags().StringVar(&reportDir, "report-dir", config.DefaultAgentConfig().ReportDir, "directory holding last-run.toml")
	return cmd
}
