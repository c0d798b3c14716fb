package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pders01/shelf/internal/config"
	"github.com/pders01/shelf/internal/debuglog"
)

// Version is the version of the application, set at build time
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, newStyles(nil).errorLine(err))
		os.Exit(1)
	}
}

// cli holds global flags and the state loaded before each command runs.
type cli struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg    *config.Config
	styles styles
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "shelf",
		Short:         "Offline reader for a Miniflux-compatible feed server",
		Long:          "shelf downloads entries into self-contained local bundles and keeps their read and starred state in step with the server, queueing changes while offline.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "init" {
				return nil
			}
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = debuglog.Close()
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&c.dataDir, "data", "", "Data directory (overrides config)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error, off")

	root.AddCommand(
		c.versionCmd(),
		c.initCmd(),
		c.fetchCmd(),
		c.importCmd(),
		c.feedsCmd(),
		c.listCmd(),
		c.showCmd(),
		c.openCmd(),
		c.statusCmd("read", "Mark entries as read"),
		c.statusCmd("unread", "Mark entries as unread"),
		c.statusCmd("star", "Star entries"),
		c.statusCmd("unstar", "Remove the star from entries"),
		c.syncCmd(),
		c.refreshCmd(),
		c.searchCmd(),
		c.reindexCmd(),
		c.deleteCmd(),
		c.queueCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.dataDir != "" {
		if err := cfg.SetDataDir(c.dataDir); err != nil {
			return err
		}
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.Storage.DataDir, "shelf.log")
	}
	if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), logFile); err != nil {
		return err
	}

	c.cfg = cfg
	c.styles = newStyles(&cfg.UI)
	return nil
}

func (c *cli) configFile() string {
	if c.configPath != "" {
		return c.configPath
	}
	return config.DefaultPath()
}
