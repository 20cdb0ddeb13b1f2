package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	slotrunner "github.com/Swind/go-slot-runner"
	"github.com/Swind/go-slot-runner/config"
	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/event"
	"github.com/Swind/go-slot-runner/execstate"
	"github.com/Swind/go-slot-runner/incident"
	obs "github.com/Swind/go-slot-runner/observability/prometheus"
	"github.com/Swind/go-slot-runner/processor"
	"github.com/Swind/go-slot-runner/threadpool"
)

const checkpointIncident = "Checkpoint"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML configuration",
		EnvVars: []string{"SLOTRUNNER_CONFIG"},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "process a batch of synthetic events",
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{
				Name:    "events",
				Aliases: []string{"n"},
				Value:   16,
				Usage:   "number of events to process",
			},
			&cli.IntFlag{
				Name:  "slots",
				Usage: "override the number of event slots",
			},
			&cli.IntFlag{
				Name:  "pool-size",
				Usage: "override the thread pool size (-1 for one worker per CPU)",
			},
			&cli.IntFlag{
				Name:  "fail-every",
				Usage: "make every n-th event fail its reconstruction unit",
			},
			&cli.DurationFlag{
				Name:  "hold",
				Usage: "keep serving metrics this long after the run",
			},
		},
		Action: runAction,
	}
}

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "validate a configuration and print the effective values",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.IsSet("slots") {
		cfg.Slots = c.Int("slots")
	}
	if c.IsSet("pool-size") {
		cfg.ThreadPool.Size = c.Int("pool-size")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger, level, syncLog, err := newLogger(cfg.Logging)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer syncLog()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path := c.String("config"); path != "" {
		err := config.Watch(ctx, path, logger.WithName("config"), func(next *config.Config) {
			if err := setLevel(level, next.Logging.Level); err != nil {
				logger.Warn("ignoring log level", core.F("error", err))
				return
			}
			logger.Info("log level changed", core.F("level", next.Logging.Level))
		})
		if err != nil {
			logger.Warn("config hot reload disabled", core.F("error", err))
		}
	}

	// Metrics
	reg := prom.NewRegistry()
	exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, reg, obs.ExporterOptions{})
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}
	interval, err := cfg.PollInterval()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	poller, err := obs.NewSnapshotPoller(cfg.Metrics.Namespace, reg, interval)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}

	// Core services
	slots := cfg.Slots
	registry := execstate.New(
		execstate.WithLogger(logger.WithName("execstate")),
		execstate.WithSlotCount(func() int { return slots }),
	)
	dispatcher := incident.NewDispatcher(
		incident.WithLogger(logger.WithName("incident")),
		incident.WithMetrics(exporter),
	)

	poolOpts := []slotrunner.PoolOption{
		slotrunner.WithSchedulerConfig(&core.TaskSchedulerConfig{
			Metrics: exporter,
			Logger:  logger.WithName("pool"),
		}),
	}
	if cfg.ThreadPool.LockOSThread {
		poolOpts = append(poolOpts, slotrunner.WithLockOSThread())
	}
	scratch := newScratchTool(64)
	manager := threadpool.NewManager(
		threadpool.WithLogger(logger.WithName("threadpool")),
		threadpool.WithMetrics(exporter),
		threadpool.WithExecutorFactory(threadpool.PoolExecutorFactory("workers", poolOpts...)),
	)
	manager.AddTool(scratch)

	if err := manager.InitPool(ctx, cfg.ThreadPool.Size, cfg.ThreadPool.ExtraParallelism); err != nil {
		if !errors.Is(err, threadpool.ErrThreadInitFailed) {
			return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
		}
		logger.Warn("continuing with partially initialized threads", core.F("error", err))
	}
	defer func() {
		if err := manager.TerminatePool(context.Background()); err != nil {
			logger.Error("failed to terminate thread pool", core.F("error", err))
		}
	}()
	if pe, ok := manager.Executor().(*threadpool.PoolExecutor); ok {
		if sp, ok := pe.Pool().(obs.PoolSnapshotProvider); ok {
			poller.AddPool(pe.Pool().ID(), sp)
		}
	}

	proc := processor.New(registry, dispatcher,
		processor.WithName(cfg.Processor.Name),
		processor.WithCapacity(cfg.Processor.Capacity),
		processor.WithLogger(logger.WithName("processor")),
		processor.WithMetrics(exporter),
		processor.WithThreadInit(manager),
	)
	if err := addUnits(proc, manager, scratch, dispatcher, c.Int("fail-every")); err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}

	var checkpoints atomic.Int64
	dispatcher.AddListener(incident.NewFuncListener("checkpoint-counter", func(_ context.Context, inc *incident.Incident) error {
		checkpoints.Add(1)
		logger.Debug("checkpoint", core.F("event", inc.Context.String()), core.F("sum", inc.Payload))
		return nil
	}), checkpointIncident)

	if err := proc.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}
	defer proc.Stop()

	poller.AddProcessor(proc.Name(), proc)
	poller.AddRunner(proc.Name()+"/driver", obs.RunnerFunc(proc.DriverStats))
	poller.Start(ctx)
	defer poller.Stop()

	if addr := cfg.Metrics.Listen; addr != "" {
		shutdown := serveMetrics(addr, reg, logger)
		defer shutdown()
	}

	// Event loop
	fireRunIncident(ctx, dispatcher, logger, incident.BeginRun)
	n := c.Int("events")
	var failed int
	for i := 0; i < n; i++ {
		ev := event.New(uint64(i), i%slots)
		res, err := proc.ExecuteEvent(ctx, ev)
		if err != nil {
			logger.Error("event loop interrupted", core.F("event", ev.String()), core.F("error", err))
			break
		}
		if !res.Status.IsSuccess() {
			failed++
			logger.Warn("event failed", core.F("event", res.Event.String()), core.F("error", res.Err), core.F("dump", res.Dump))
		}
	}
	fireRunIncident(ctx, dispatcher, logger, incident.EndRun)

	stats := proc.Stats()
	logger.Info("run finished",
		core.F("processed", stats.Processed),
		core.F("failed", failed),
		core.F("checkpoints", checkpoints.Load()),
		core.F("threads", manager.ThreadsInitialized()))

	if hold := c.Duration("hold"); hold > 0 {
		select {
		case <-time.After(hold):
		case <-ctx.Done():
		}
	}

	if rc := dispatcher.ReturnCode(); rc != incident.ReturnSuccess {
		return cli.Exit(fmt.Sprintf("finished with return code %d", rc), int(rc))
	}
	return nil
}

// fireRunIncident fires a run boundary incident and logs listener failures.
func fireRunIncident(ctx context.Context, dispatcher *incident.Dispatcher, logger core.Logger, typ string) {
	if err := dispatcher.FireSync(ctx, incident.New("slotrunner", typ, event.Invalid(), nil)); err != nil {
		logger.Error("run incident listener failed", core.F("incident", typ), core.F("error", err))
	}
}

// addUnits installs the demo pipeline: a reconstruction step fanned out on
// the thread pool, a checkpoint step firing a queued incident, and an output
// stream.
func addUnits(proc *processor.Processor, manager *threadpool.Manager, scratch *scratchTool, dispatcher *incident.Dispatcher, failEvery int) error {
	const parts = 8
	reconstruct := processor.NewUnit("reconstruct", func(ctx context.Context, ev event.Context) error {
		if failEvery > 0 && ev.Seq()%uint64(failEvery) == 0 {
			return fmt.Errorf("synthetic failure on %s", ev)
		}
		exec := manager.Executor()
		if exec == nil {
			return threadpool.ErrNotInitialized
		}
		return exec.Run(ctx, parts, func(ctx context.Context, i int) error {
			buf, err := scratch.buffer(ctx)
			if err != nil {
				return err
			}
			for j := range buf {
				buf[j] = float64(ev.Seq()) * float64(i+j)
			}
			return nil
		})
	})

	checkpoint := processor.NewUnit("checkpoint", func(ctx context.Context, ev event.Context) error {
		return dispatcher.FireAsync(incident.New("checkpoint", checkpointIncident, ev, ev.Seq()*parts))
	})

	writer := processor.NewUnit("writer", func(ctx context.Context, ev event.Context) error {
		return nil
	})

	for _, u := range []processor.WorkUnit{reconstruct, checkpoint} {
		if err := proc.AddWorkUnit(u); err != nil {
			return err
		}
	}
	return proc.AddOutputStream(writer)
}

func serveMetrics(addr string, reg *prom.Registry, logger core.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", core.F("addr", addr), core.F("error", err))
		}
	}()
	logger.Info("serving metrics", core.F("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
