package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/consumer"
	"github.com/ryandielhenn/zephyrsync/pkg/ledger"
	"github.com/ryandielhenn/zephyrsync/pkg/node"
	"github.com/ryandielhenn/zephyrsync/pkg/registry"
	"github.com/ryandielhenn/zephyrsync/pkg/request"
	"github.com/ryandielhenn/zephyrsync/pkg/watermark"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

type settings struct {
	SelfID        string          `mapstructure:"self-id"`
	SelfAddr      string          `mapstructure:"self-addr"`
	Listen        string          `mapstructure:"listen"`
	EtcdEndpoints string          `mapstructure:"etcd-endpoints"`
	LeaseTTL      int64           `mapstructure:"lease-ttl"`
	Peers         string          `mapstructure:"peers"`
	DatabaseURL   string          `mapstructure:"database-url"`
	LogDev        bool            `mapstructure:"log-dev"`
	Consumer      consumer.Config `mapstructure:"consumer"`
}

// localLedger is the storage the node both serves from and reconciles into.
type localLedger interface {
	ledger.Query
	node.LastIDSource
	registry.Provisioner
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "zephyrsync",
		Short:         "Cluster node that reconciles its copies of peer ledgers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s settings
			if err := v.Unmarshal(&s); err != nil {
				return fmt.Errorf("parse config: %w", err)
			}
			mode, err := request.ParseMode(string(s.Consumer.Mode))
			if err != nil {
				return err
			}
			s.Consumer.Mode = mode
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, s)
		},
	}

	def := consumer.DefaultConfig()
	f := cmd.Flags()
	f.String("self-id", "", "id of this node")
	f.String("self-addr", "", "address peers use to reach this node")
	f.String("listen", ":"+node.DefaultPort, "http listen address")
	f.String("etcd-endpoints", "http://etcd:2379", "comma separated etcd endpoints, empty to run without etcd")
	f.Int64("lease-ttl", 10, "etcd registration lease in seconds")
	f.String("peers", "", "static peers as id=addr,... instead of etcd membership")
	f.String("database-url", "", "postgres connection string, empty keeps ledgers in memory")
	f.Bool("log-dev", false, "human readable development logging")
	f.String("consumer-mode", string(def.Mode), "active or suspend")
	f.Duration("consumer-interval", def.Interval, "pause between reconciliation ticks")
	f.Duration("consumer-request-timeout", def.RequestTimeout, "timeout of each peer call")
	f.Int("consumer-page-size", def.PageSize, "rows read per ledger page")
	f.Int("consumer-workers", def.Workers, "peers reconciled in parallel, 0 for all")
	f.Int("consumer-max-ranges", def.Policy.MaxRanges, "ranges per file request")
	f.Uint32("consumer-max-ids", def.Policy.MaxIDs, "ids per file request, 0 for no cap")
	f.Bool("consumer-suspend-after-throttle", def.Policy.SuspendAfterThrottle, "suspend after a request is cut by the id cap")

	for key, flag := range map[string]string{
		"consumer.mode":                          "consumer-mode",
		"consumer.interval":                      "consumer-interval",
		"consumer.request-timeout":               "consumer-request-timeout",
		"consumer.page-size":                     "consumer-page-size",
		"consumer.workers":                       "consumer-workers",
		"consumer.policy.max-ranges":             "consumer-max-ranges",
		"consumer.policy.max-ids":                "consumer-max-ids",
		"consumer.policy.suspend-after-throttle": "consumer-suspend-after-throttle",
	} {
		cobra.CheckErr(v.BindPFlag(key, f.Lookup(flag)))
		cobra.CheckErr(v.BindEnv(key, envName(flag)))
	}
	for _, flag := range []string{"self-id", "self-addr", "listen", "etcd-endpoints", "lease-ttl", "peers", "database-url", "log-dev"} {
		cobra.CheckErr(v.BindPFlag(flag, f.Lookup(flag)))
		cobra.CheckErr(v.BindEnv(flag, envName(flag)))
	}
	return cmd
}

func envName(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, s settings) error {
	logger, err := newLogger(s.LogDev)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if s.SelfID == "" {
		return errors.New("self-id is required")
	}
	if s.SelfAddr == "" {
		s.SelfAddr = s.SelfID + ":" + node.DefaultPort
	}
	logger = logger.With(zap.String("self", s.SelfID))
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Local ledgers
	var led localLedger
	if s.DatabaseURL != "" {
		pg, err := ledger.NewPostgres(ctx, s.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		led = pg
		logger.Info("using postgres ledgers")
	} else {
		led = ledger.NewMemory()
		logger.Info("using in-memory ledgers")
	}
	if err := led.EnsureLedger(ctx, s.SelfID); err != nil {
		return fmt.Errorf("provision own ledger: %w", err)
	}

	// 2. Membership and watermarks
	var (
		reg   consumer.PeerRegistry
		marks watermark.Store = watermark.NewMemStore(watermark.WithLogger(logger))
	)
	if s.Peers != "" {
		peers, err := registry.ParsePeers(s.Peers)
		if err != nil {
			return err
		}
		reg = registry.NewStatic(led, peers...)
		logger.Info("using static peers", zap.Int("peers", len(peers)))
	}
	if s.EtcdEndpoints != "" {
		cli, err := registry.NewClient(strings.Split(s.EtcdEndpoints, ","))
		if err != nil {
			return err
		}
		defer cli.Close()
		logger.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))

		leaseID, stopLease, err := registry.RegisterNode(cli, s.SelfID, s.SelfAddr, s.LeaseTTL)
		if err != nil {
			return fmt.Errorf("register node: %w", err)
		}
		defer func() {
			stopLease()
			revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = cli.Revoke(revokeCtx, leaseID)
		}()

		marks = watermark.NewEtcdStore(cli, s.SelfID, watermark.WithLogger(logger))
		if reg == nil {
			er := registry.NewEtcd(cli, s.SelfID, led, registry.WithLogger(logger))
			go er.Watch(ctx)
			reg = er
		}
	}
	if reg == nil {
		return errors.New("no membership source: set peers or etcd-endpoints")
	}

	// 3. Consumer
	sched := consumer.New(reg, led, node.NewClient(s.SelfID, nil), marks,
		consumer.WithLogger(logger),
		consumer.WithConfig(s.Consumer),
		consumer.WithMetrics(telemetry.ConsumerMetrics{}),
	)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// 4. HTTP endpoints
	n := node.NewNode(s.SelfID, s.SelfAddr, led, node.WithLogger(logger), node.WithConsumer(sched))
	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", s.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
