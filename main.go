package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/bftledger/app"
	"github.com/ahmadzakiakmal/bftledger/config"
	"github.com/ahmadzakiakmal/bftledger/consensus"
	"github.com/ahmadzakiakmal/bftledger/ledger"
	"github.com/ahmadzakiakmal/bftledger/repository"
	"github.com/ahmadzakiakmal/bftledger/server"
	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "bftledger",
		Short:         "Ledger node committing transactions through CometBFT",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(conf)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "optional ledger config file")
	flags.String("cmt-home", "./node-config/node0", "Path to the CometBFT config directory")
	flags.String("http-port", "9984", "HTTP web server port")
	flags.String("store", config.StoreBadger, "record store backend (badger|postgres|sqlite)")
	flags.String("postgres-dsn", "", "postgres connection string")
	flags.String("data-dir", "", "directory for badger or sqlite data, defaults to <cmt-home>/ledger")
	_ = v.BindPFlag("ledger.cmt_home", flags.Lookup("cmt-home"))
	_ = v.BindPFlag("ledger.http_port", flags.Lookup("http-port"))
	_ = v.BindPFlag("ledger.store", flags.Lookup("store"))
	_ = v.BindPFlag("ledger.postgres_dsn", flags.Lookup("postgres-dsn"))
	_ = v.BindPFlag("ledger.data_dir", flags.Lookup("data-dir"))

	return cmd
}

func run(conf *config.Config) error {
	homeDir := conf.Ledger.CmtHome
	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	cmtConfig := cfg.DefaultConfig()
	cmtConfig.SetRoot(homeDir)
	cmtViper := viper.New()
	cmtViper.SetConfigFile(filepath.Join(homeDir, "config", "config.toml"))
	if err := cmtViper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := cmtViper.Unmarshal(cmtConfig); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	if err := cmtConfig.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid configuration data: %w", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err := cmtflags.ParseLogLevel(cmtConfig.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	dataDir := conf.Ledger.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(homeDir, "ledger")
	}
	store, err := openStore(conf, dataDir, logger.With("module", "store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Closing store", "err", err)
		}
	}()

	submitter := consensus.NewSubmitter(conf.ConsensusConfig(), logger.With("module", "consensus"), prometheus.DefaultRegisterer)
	l := ledger.New(store, submitter, logger.With("module", "ledger"))

	appConfig := &app.AppConfig{
		NodeID:    filepath.Base(homeDir),
		LogAllTxs: true,
	}
	abciApp := app.NewABCIApplication(l, appConfig, logger.With("module", "abci"))

	pv := privval.LoadFilePV(
		cmtConfig.PrivValidatorKeyFile(),
		cmtConfig.PrivValidatorStateFile(),
	)
	nodeKey, err := p2p.LoadNodeKey(cmtConfig.NodeKeyFile())
	if err != nil {
		return fmt.Errorf("failed to load node's key: %w", err)
	}

	node, err := nm.NewNode(
		context.Background(),
		cmtConfig,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(abciApp),
		nm.DefaultGenesisDocProviderFunc(cmtConfig),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(cmtConfig.Instrumentation),
		logger,
	)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	nodeID := string(node.NodeInfo().ID())
	abciApp.SetNodeID(nodeID)

	if err := node.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	defer func() {
		node.Stop()
		node.Wait()
	}()

	webserver := server.NewWebServer(l, conf.Ledger.HTTPPort, nodeID, logger.With("module", "http"), prometheus.DefaultGatherer)
	if err := webserver.Start(); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
	return nil
}

func openStore(conf *config.Config, dataDir string, logger cmtlog.Logger) (repository.Store, error) {
	switch conf.Ledger.Store {
	case config.StorePostgres:
		logger.Info("Connecting to postgres")
		return repository.OpenPostgres(conf.Ledger.PostgresDSN, logger)
	case config.StoreSqlite:
		return repository.OpenSqlite(dataDir, logger)
	default:
		return repository.OpenBadger(filepath.Join(dataDir, "badger"), logger)
	}
}
