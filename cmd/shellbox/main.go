package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antonkrylov/shellbox/internal/analyze"
	"github.com/antonkrylov/shellbox/internal/attach"
	"github.com/antonkrylov/shellbox/internal/config"
	"github.com/antonkrylov/shellbox/internal/logging"
	"github.com/antonkrylov/shellbox/internal/shell"
)

var version = "dev"

type rootOptions struct {
	configPath string
	config     *config.Config
	logger     *zap.Logger
}

func (r *rootOptions) prepare() error {
	cfg, err := config.LoadWithEnv(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	r.logger, err = logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
	})
	return err
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "shellbox",
		Short: "Persistent shell-execution engine",
	}
	defaultConfig := os.Getenv("SHELLBOX_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "~/.shellbox/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to shellbox config file")
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newReplCmd(opts))
	rootCmd.AddCommand(newAttachCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func buildEngine(opts *rootOptions) (*shell.Engine, error) {
	analyzer, err := analyze.New(analyze.FromEnv())
	if err != nil {
		opts.logger.Warn("analyzer disabled", zap.Error(err))
	}
	def, max, launch, pollInt, pollDead := opts.config.Durations()
	return shell.New(shell.Options{
		Shell:          opts.config.Shell,
		WorkDir:        opts.config.WorkDir,
		DefaultTimeout: def,
		MaxTimeout:     max,
		LaunchTimeout:  launch,
		PollInterval:   pollInt,
		PollDeadline:   pollDead,
		TruncateBytes:  opts.config.TruncateBytes,
		Analyzer:       analyzer,
		Logger:         opts.logger,
	})
}

func newExecCmd(root *rootOptions) *cobra.Command {
	var (
		timeout    time.Duration
		background bool
	)
	cmd := &cobra.Command{
		Use:   "exec -- COMMAND...",
		Short: "Run one command through the engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			eng, err := buildEngine(root)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = eng.Close(closeCtx)
			}()

			params := shell.Params{
				Command:         strings.Join(args, " "),
				TimeoutMS:       timeout.Milliseconds(),
				RunInBackground: background,
			}
			res, err := eng.Execute(ctx, params, func(stderr bool, data []byte) {
				if stderr {
					os.Stderr.Write(data)
				} else {
					os.Stdout.Write(data)
				}
			})
			if err != nil {
				return err
			}

			if res.Status == shell.StatusLaunched {
				fmt.Println(res.Display)
				// Block until the poller reports this pid finished.
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case upd := <-eng.Updates():
						if upd.Pid != res.Pid {
							continue
						}
						printResult(upd)
						return nil
					}
				}
			}
			printResult(res)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "foreground timeout (default from config, clamped to the cap)")
	cmd.Flags().BoolVar(&background, "background", false, "launch detached and wait for the async result")
	return cmd
}

func printResult(res *shell.Result) {
	switch res.Status {
	case shell.StatusSuccess:
		fmt.Fprintf(os.Stderr, "[%s in %s]\n", res.Status, res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	default:
		fmt.Fprintf(os.Stderr, "[%s] %s\n", res.Status, res.Display)
	}
	if res.Status != shell.StatusSuccess && res.ExitCode != nil {
		os.Exit(*res.ExitCode)
	}
}

func newReplCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive loop through the engine (quit with 'q' or EOF)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			eng, err := buildEngine(root)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = eng.Close(closeCtx)
			}()

			// Late background results are printed between prompts.
			go func() {
				for upd := range eng.Updates() {
					fmt.Fprintf(os.Stderr, "\n[background pid %d finished] %s\n", upd.Pid, upd.Display)
				}
			}()

			sc := bufio.NewScanner(os.Stdin)
			for {
				fmt.Printf("%s $ ", eng.Cwd())
				if !sc.Scan() {
					return sc.Err()
				}
				line := strings.TrimSpace(sc.Text())
				if line == "" {
					continue
				}
				if line == "q" || line == "quit" {
					return nil
				}
				res, err := eng.Execute(ctx, shell.Params{Command: line}, func(stderr bool, data []byte) {
					if stderr {
						os.Stderr.Write(data)
					} else {
						os.Stdout.Write(data)
					}
				})
				if err != nil {
					return err
				}
				if res.Status != shell.StatusSuccess {
					fmt.Fprintf(os.Stderr, "[%s] %s\n", res.Status, res.Display)
				}
			}
		},
	}
}

func newAttachCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Raw pty on the configured shell, bypassing the engine (debug)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sh := root.config.Shell
			if sh == "" {
				sh = "bash"
			}
			return attach.Run(sh)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shellbox version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("shellbox", version)
		},
	}
}
