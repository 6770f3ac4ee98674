// Package main is the entry point for the shuttersense-agent binary.
//
// Subcommands:
//
//	register     claim a registration token and persist agent.yaml
//	run          poll for jobs and execute them (the long-running mode)
//	offline      run one tool against a cached collection, spool the result
//	sync         upload spooled offline results
//	credentials  manage encrypted connector credentials
//	status       show registration, cache and version state
//	update       self-update to the latest release
//	version      print version information
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/config"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/executor"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/heartbeat"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/poll"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/teamconfig"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/tools"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/update"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *poll.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configDir string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "shuttersense-agent",
		Short:         "ShutterSense agent — executes photo-analysis jobs near the data",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `ShutterSense agent runs on machines with access to photo collections.
It polls the ShutterSense server for analysis jobs, executes them with the
built-in tools, and posts signed results back. Collections that are only
reachable from this machine stay local; only results and reports leave it.`,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", envOrDefault("SHUTTERSENSE_CONFIG_DIR", config.DefaultDir()), "Directory for agent.yaml and local data")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOrDefault("SHUTTERSENSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.AddCommand(
		newRegisterCmd(flags),
		newRunCmd(flags),
		newOfflineCmd(flags),
		newSyncCmd(flags),
		newCredentialsCmd(flags),
		newStatusCmd(flags),
		newUpdateCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shuttersense-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// ─── register ────────────────────────────────────────────────────────────────

func newRegisterCmd(flags *rootFlags) *cobra.Command {
	var (
		serverURL string
		token     string
		name      string
		roots     []string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this agent with a one-time token",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if serverURL == "" || token == "" || name == "" {
				return errors.New("register: --server, --token and --name are required")
			}
			if len(roots) == 0 {
				return errors.New("register: at least one --root is required")
			}

			hostname, _ := os.Hostname()
			checksum, err := update.SelfChecksum()
			if err != nil {
				return err
			}

			// Register with the token as the bearer credential; the API key
			// comes back exactly once in the response.
			c := client.New(serverURL, token, logger)
			resp, err := c.Register(cmd.Context(), wire.RegisterRequest{
				Token:           token,
				Name:            name,
				Hostname:        hostname,
				Platform:        types.Platform(runtime.GOOS),
				Version:         version,
				BinaryChecksum:  checksum,
				Capabilities:    tools.NewRegistry().Capabilities(),
				AuthorizedRoots: roots,
			})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}

			cfg := &config.Config{
				ServerURL:       serverURL,
				APIKey:          resp.APIKey,
				AgentGUID:       resp.AgentGUID,
				AgentName:       name,
				AuthorizedRoots: roots,
			}
			if err := config.Save(flags.configDir, cfg); err != nil {
				return err
			}

			fmt.Printf("registered as %s (%s)\n", name, resp.AgentGUID)
			fmt.Printf("config written to %s\n", config.Path(flags.configDir))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", envOrDefault("SHUTTERSENSE_SERVER", ""), "ShutterSense server base URL")
	cmd.Flags().StringVar(&token, "token", "", "One-time registration token issued by an operator")
	cmd.Flags().StringVar(&name, "name", "", "Agent name, unique per team")
	cmd.Flags().StringSliceVar(&roots, "root", nil, "Authorized filesystem root (repeatable)")
	return cmd
}

// ─── run ─────────────────────────────────────────────────────────────────────

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll for jobs and execute them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), flags)
		},
	}
}

func runAgent(ctx context.Context, flags *rootFlags) error {
	logger, err := buildLogger(flags.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(flags.configDir)
	if err != nil {
		return err
	}

	logger.Info("starting shuttersense agent",
		zap.String("version", version),
		zap.String("agent", cfg.AgentName),
		zap.String("server", cfg.ServerURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.ResolveDataDir(flags.configDir), logger)
	if err != nil {
		return err
	}

	checksum, err := update.SelfChecksum()
	if err != nil {
		return err
	}

	c := client.New(cfg.ServerURL, cfg.APIKey, logger)
	registry := tools.NewRegistry()
	exec := executor.New(c, st, registry, cfg.AuthorizedRoots, version, logger)

	// Refresh the offline caches while we are online. Best effort — the
	// agent runs fine without them.
	refreshCaches(ctx, c, st, logger)

	hb := heartbeat.New(c, st, exec, registry.Capabilities(), version,
		types.Platform(runtime.GOOS), checksum, logger)
	loop := poll.New(c, exec, time.Duration(cfg.PollInterval)*time.Second, logger)

	// The heartbeat and the polling loop run concurrently; a fatal error
	// from either one stops the other via cancel.
	errCh := make(chan error, 2)
	go func() {
		errCh <- hb.Run(ctx)
	}()
	go func() {
		errCh <- loop.Run(ctx)
	}()

	err = <-errCh
	cancel()
	<-errCh

	if err != nil {
		return fatalToExit(err)
	}
	logger.Info("shuttersense agent stopped")
	return nil
}

// refreshCaches stores the bound collections and the team config so the
// offline subcommand has something to work with later.
func refreshCaches(ctx context.Context, c *client.Client, st *store.Store, logger *zap.Logger) {
	if bound, err := c.BoundCollections(ctx); err != nil {
		logger.Warn("could not refresh collection cache", zap.Error(err))
	} else if err := st.SaveCollections(bound.Collections); err != nil {
		logger.Warn("could not write collection cache", zap.Error(err))
	}
	if teamCfg, err := c.TeamConfig(ctx); err != nil {
		logger.Warn("could not refresh team config cache", zap.Error(err))
	} else if err := st.SaveTeamConfig(teamCfg); err != nil {
		logger.Warn("could not write team config cache", zap.Error(err))
	}
}

// fatalToExit maps fatal heartbeat errors onto the same exit codes the
// polling loop uses, so revocation exits 2 regardless of which side saw
// it first.
func fatalToExit(err error) error {
	var exitErr *poll.ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	var revoked *client.AgentRevokedError
	if errors.As(err, &revoked) {
		return &poll.ExitError{Code: poll.ExitRevoked, Err: err}
	}
	var authErr *client.AuthenticationError
	if errors.As(err, &authErr) {
		return &poll.ExitError{Code: poll.ExitAuthFailure, Err: err}
	}
	return err
}

// ─── offline ─────────────────────────────────────────────────────────────────

func newOfflineCmd(flags *rootFlags) *cobra.Command {
	var (
		toolName   string
		collection string
	)

	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Run one tool against a cached collection without the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}
			tool := types.ToolName(toolName)
			if !tool.Valid() {
				return fmt.Errorf("offline: unknown tool %q", toolName)
			}

			st, err := store.Open(cfg.ResolveDataDir(flags.configDir), logger)
			if err != nil {
				return err
			}

			// No client: offline runs resolve the team config from the
			// local cache only.
			resolver := teamconfig.New(nil, st, logger)
			runner := executor.NewOfflineRunner(st, tools.NewRegistry(), resolver, version, logger)

			guid, err := runner.Run(cmd.Context(), tool, collection)
			if err != nil {
				return err
			}
			fmt.Printf("result spooled as %s — run 'shuttersense-agent sync' when online\n", guid)
			return nil
		},
	}

	cmd.Flags().StringVar(&toolName, "tool", "", "Tool to run (photostats, photo_pairing, pipeline_validation, collection_test)")
	cmd.Flags().StringVar(&collection, "collection", "", "Collection GUID or name from the local cache")
	return cmd
}

// ─── sync ────────────────────────────────────────────────────────────────────

func newSyncCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload spooled offline results to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.ResolveDataDir(flags.configDir), logger)
			if err != nil {
				return err
			}

			c := client.New(cfg.ServerURL, cfg.APIKey, logger)
			outcomes, err := executor.Sync(cmd.Context(), c, st, logger)
			if err != nil {
				return err
			}

			if len(outcomes) == 0 {
				fmt.Println("nothing to sync")
				return nil
			}
			failed := 0
			for _, o := range outcomes {
				if o.Err != nil {
					failed++
					fmt.Printf("  %s  FAILED: %v\n", o.SpoolGUID, o.Err)
				} else {
					fmt.Printf("  %s  -> result %s\n", o.SpoolGUID, o.ResultGUID)
				}
			}

			if removed, err := st.CleanupSynced(); err != nil {
				logger.Warn("cleanup of synced spool entries failed", zap.Error(err))
			} else if removed > 0 {
				fmt.Printf("removed %d synced spool entries\n", removed)
			}

			if failed > 0 {
				return fmt.Errorf("sync: %d of %d results not uploaded", failed, len(outcomes))
			}
			return nil
		},
	}
}

// ─── credentials ─────────────────────────────────────────────────────────────

func newCredentialsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage encrypted connector credentials held only on this agent",
	}
	cmd.AddCommand(newCredentialsSetCmd(flags), newCredentialsDeleteCmd(flags))
	return cmd
}

func newCredentialsSetCmd(flags *rootFlags) *cobra.Command {
	var (
		connectorGUID string
		pairs         []string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store credentials for a connector (kept encrypted, never uploaded)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}
			if connectorGUID == "" || len(pairs) == 0 {
				return errors.New("credentials set: --connector and at least one --field key=value are required")
			}

			creds := make(map[string]string, len(pairs))
			for _, p := range pairs {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("credentials set: --field %q is not key=value", p)
				}
				creds[k] = v
			}

			st, err := store.Open(cfg.ResolveDataDir(flags.configDir), logger)
			if err != nil {
				return err
			}
			if err := st.PutConnectorCredentials(connectorGUID, creds); err != nil {
				return err
			}
			fmt.Printf("stored %d fields for connector %s\n", len(creds), connectorGUID)
			return nil
		},
	}

	cmd.Flags().StringVar(&connectorGUID, "connector", "", "Connector GUID the credentials belong to")
	cmd.Flags().StringSliceVar(&pairs, "field", nil, "Credential field as key=value (repeatable)")
	return cmd
}

func newCredentialsDeleteCmd(flags *rootFlags) *cobra.Command {
	var connectorGUID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete stored credentials for a connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}
			if connectorGUID == "" {
				return errors.New("credentials delete: --connector is required")
			}

			st, err := store.Open(cfg.ResolveDataDir(flags.configDir), logger)
			if err != nil {
				return err
			}
			if err := st.DeleteConnectorCredentials(connectorGUID); err != nil {
				return err
			}
			fmt.Printf("deleted credentials for connector %s\n", connectorGUID)
			return nil
		},
	}

	cmd.Flags().StringVar(&connectorGUID, "connector", "", "Connector GUID")
	return cmd
}

// ─── status ──────────────────────────────────────────────────────────────────

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registration, cache and version state",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()

			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}

			fmt.Printf("agent:       %s (%s)\n", cfg.AgentName, cfg.AgentGUID)
			fmt.Printf("server:      %s\n", cfg.ServerURL)
			fmt.Printf("roots:       %v\n", cfg.AuthorizedRoots)
			fmt.Printf("version:     %s\n", version)

			st, err := store.Open(cfg.ResolveDataDir(flags.configDir), logger)
			if err != nil {
				return err
			}

			if collections, age, ok := st.LoadCollections(); ok {
				fmt.Printf("collections: %d cached (%s old)\n", len(collections), age.Truncate(time.Minute))
			} else {
				fmt.Println("collections: no cache")
			}
			if _, age, ok := st.LoadTeamConfig(); ok {
				fmt.Printf("team config: cached (%s old)\n", age.Truncate(time.Minute))
			} else {
				fmt.Println("team config: no cache")
			}
			if vs, ok := st.LoadValidVersionState(); ok {
				if vs.IsOutdated {
					fmt.Printf("release:     OUTDATED — latest is %s (run 'shuttersense-agent update')\n", vs.LatestVersion)
				} else {
					fmt.Println("release:     current")
				}
			} else {
				fmt.Println("release:     unknown (no recent heartbeat)")
			}
			if pending, err := st.ListPending(); err == nil {
				fmt.Printf("spool:       %d pending offline results\n", len(pending))
			}
			return nil
		},
	}
}

// ─── update ──────────────────────────────────────────────────────────────────

func newUpdateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Replace this binary with the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.ResolveDataDir(flags.configDir), logger)
			if err != nil {
				return err
			}

			c := client.New(cfg.ServerURL, cfg.APIKey, logger)
			installed, err := update.Apply(cmd.Context(), c, st, version, logger)
			if err != nil {
				return err
			}
			fmt.Printf("updated to %s — restart the agent to pick it up\n", installed)
			return nil
		},
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
