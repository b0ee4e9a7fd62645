// Command labctl is the dairy lab command-line client. It keeps a signed-in session in the
// configured credential store and calls the records API with it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dairylab/session"
)

// Version information set at build time.
var version = "dev"

// cliApp carries global flags and the lazily built env shared by subcommands.
type cliApp struct {
	configPath string
	logLevel   string
	stderr     io.Writer
	opts       envOptions

	cached *env
}

func (a *cliApp) env() (*env, error) {
	if a.cached != nil {
		return a.cached, nil
	}
	level, err := parseLogLevel(a.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", a.logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	path, explicit := a.configPath, a.configPath != ""
	if !explicit {
		path = defaultConfigPath()
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return nil, err
	}

	e, err := newEnv(cfg, logger, a.opts)
	if err != nil {
		return nil, err
	}
	a.cached = e
	return e, nil
}

// session returns the env with a restored session, or ErrLoginRequired.
func (a *cliApp) session(cmd *cobra.Command) (*env, error) {
	e, err := a.env()
	if err != nil {
		return nil, err
	}
	res := e.manager.Restore(cmd.Context())
	if res.Outcome != session.Authenticated {
		if res.Err != nil {
			e.logger.Info("stored session could not be restored", "error", res.Err)
		}
		return nil, ErrLoginRequired
	}
	return e, nil
}

func (a *cliApp) close() {
	if a.cached != nil {
		a.cached.Close()
	}
}

func newRootCmd(app *cliApp) *cobra.Command {
	root := &cobra.Command{
		Use:   "labctl",
		Short: "Dairy lab quality-control client",
		Long: `labctl signs in to the lab's identity provider and manages quality-control
reports through the dairy lab API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "Path to labctl.yaml (default "+defaultConfigPath()+")")
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "warn", "Logging level (debug, info, warn, error)")

	root.AddCommand(
		loginCmd(app),
		logoutCmd(app),
		whoamiCmd(app),
		tokenCmd(app),
		recordsCmd(app),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cliApp{stderr: os.Stderr}
	root := newRootCmd(app)
	err := root.ExecuteContext(ctx)
	app.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
