// Command spotfleet runs one reconciliation pass for a spot-capacity fleet:
// refresh spot price history, rank candidates, reconcile budget against
// desired utility, and, if the configured instance manager needs post-boot
// setup, watch newly-running instances through to completion before exiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetward/spotfleet/internal/auditlog"
	"github.com/fleetward/spotfleet/internal/awsadapter"
	"github.com/fleetward/spotfleet/internal/config"
	"github.com/fleetward/spotfleet/internal/donesignal"
	"github.com/fleetward/spotfleet/internal/httpserver"
	"github.com/fleetward/spotfleet/internal/instancemgr"
	"github.com/fleetward/spotfleet/internal/pricestore"
	"github.com/fleetward/spotfleet/internal/pricing"
	"github.com/fleetward/spotfleet/internal/reconcile"
	"github.com/fleetward/spotfleet/internal/registry"
	"github.com/fleetward/spotfleet/internal/singleton"
	"github.com/fleetward/spotfleet/internal/watcher"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "/etc/spotfleet/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		slog.Warn("spotfleet: failed to load config file, falling back to defaults/env", "path", configFile, "error", err)
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("spotfleet: invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Debug)

	fleetName := cfg.EC2.Instance.Name
	lock, err := singleton.Acquire(os.TempDir(), fleetName)
	if err != nil {
		slog.Error("spotfleet: failed to acquire singleton lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var auditDB *auditlog.DB
	var auditWriter *auditlog.Writer
	if cfg.Database.Path != "" {
		auditDB, err = auditlog.Open(auditlog.Config{Path: cfg.Database.Path, RetentionDays: cfg.Database.RetentionDays})
		if err != nil {
			slog.Warn("spotfleet: audit database open failed, continuing without persistence", "error", err)
		} else {
			defer auditDB.Close()
			auditWriter = auditlog.NewWriter(auditDB.RawDB(), 4096)
			auditWriter.Run(ctx)
			defer auditWriter.Drain()
		}
	}
	var audit *auditlog.Log
	if auditDB != nil {
		audit = auditlog.NewWithDB(1000, auditDB.RawDB(), auditWriter)
	} else {
		audit = auditlog.New(1000)
	}

	statusStore := httpserver.NewStatusStore()
	var httpSrv *http.Server
	if cfg.HTTPServer.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.HTTPServer.Address, cfg.HTTPServer.Port)
		httpSrv = httpserver.NewServer(addr, httpserver.NewRouter(statusStore, audit))
		go func() {
			slog.Info("spotfleet: starting status server", "address", addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("spotfleet: status server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
	}

	adapter, err := awsadapter.New(ctx, cfg.AWS, fleetName, ephemeralDiskCount)
	if err != nil {
		slog.Error("spotfleet: failed to build AWS adapter", "error", err)
		os.Exit(1)
	}

	store := pricestore.New(cfg.PriceFile)
	store.Load()

	types := instanceTypes(cfg.Utility)

	now := time.Now()
	aggregator := pricing.New(adapter, store, cfg.AvailabilityZone, cfg.BidPercentile, cfg.Pricing.LegacyHigherPriceOrdering)
	if err := aggregator.Refresh(ctx, types, now); err != nil {
		slog.Error("spotfleet: refreshing spot price history failed", "error", err)
		os.Exit(1)
	}
	candidates := aggregator.BuildCandidates(types, now)

	instanceManager, err := instancemgr.Build(cfg.Instance)
	if err != nil {
		slog.Error("spotfleet: failed to build instance manager", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	launchSpec := launchSpecFrom(cfg.EC2.Request)
	rec := reconcile.New(adapter, instanceManager, reg, audit, fleetName, cfg.Budget, cfg.MaxNewUtility, cfg.MaxUtilityPrice, launchSpec)

	done := &donesignal.Signal{}
	result, err := rec.UpdateSpotRequests(ctx, instanceManager.RequiredUtility(), candidates, done)
	if err != nil {
		slog.Error("spotfleet: reconciliation failed", "error", err)
		audit.Record("reconcile_run", fleetName, err.Error())
		os.Exit(1)
	}
	audit.Record("reconcile_run", fleetName, "completed")
	statusStore.Set(httpserver.Status{
		Timestamp:       now,
		UsedBudgetUSD:   result.UsedBudgetUSD,
		RemainingBudget: result.RemainingBudget,
		CurrentUtility:  result.CurrentUtility,
		NetNewUtility:   result.NetNewUtility,
		CandidateCount:  result.CandidateCount,
		Alert:           result.Alert,
	})

	if instanceManager.SetupRequired() {
		w := watcher.New(adapter, instanceManager, reg, done, audit, fleetName, cfg.RunInterval, types)
		w.Run(ctx)
	}

	audit.Flush()
	slog.Info("spotfleet: run complete")
}

func setupLogger(cfg config.DebugConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func instanceTypes(utility []config.UtilityConfig) []spotcloud.InstanceTypeSpec {
	types := make([]spotcloud.InstanceTypeSpec, len(utility))
	for i, u := range utility {
		discount := 0.0
		if u.Discount != nil {
			discount = *u.Discount
		}
		types[i] = spotcloud.InstanceTypeSpec{InstanceType: u.InstanceType, Utility: u.Utility, Discount: discount}
	}
	return types
}

func launchSpecFrom(req config.RequestTemplate) spotcloud.LaunchSpec {
	interfaces := make([]spotcloud.NetworkInterfaceSpec, len(req.NetworkInterfaces))
	for i, ni := range req.NetworkInterfaces {
		interfaces[i] = spotcloud.NetworkInterfaceSpec{
			SubnetID:          ni.SubnetID,
			DeviceIndex:       ni.DeviceIndex,
			AssociatePublicIP: ni.AssociatePublicIP,
			Groups:            ni.Groups,
		}
	}
	return spotcloud.LaunchSpec{NetworkInterfaces: interfaces, Expiration: req.Expiration}
}

// ephemeralDiskCount is the default ephemeral-disk table: this fleet attaches
// no instance-store volumes. Operators with NVMe instance families inject a
// richer lookup here.
func ephemeralDiskCount(instanceType string) int { return 0 }
