package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshsched/meshsched/pkg/agent"
	"github.com/meshsched/meshsched/pkg/api"
	"github.com/meshsched/meshsched/pkg/cleanup"
	"github.com/meshsched/meshsched/pkg/config"
	"github.com/meshsched/meshsched/pkg/cost"
	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/metrics"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/ratelimit"
	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
	"github.com/meshsched/meshsched/pkg/shutdown"
	"github.com/meshsched/meshsched/pkg/store"
	"github.com/meshsched/meshsched/pkg/telemetry"
	"github.com/meshsched/meshsched/pkg/tlsutil"
	"github.com/meshsched/meshsched/pkg/tracing"
	"github.com/meshsched/meshsched/pkg/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Config file (default: ./meshsched.yaml or /etc/meshsched/meshsched.yaml)")
	logLevel := flag.String("log-level", "", "Override logging.level")
	localWorker := flag.Bool("local-worker", false, "Also run tasks on this host through an in-process worker (requires transport.type=loopback)")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate at api.tls.cert_file/key_file if missing")
	certHosts := flag.String("cert-hosts", "", "Comma-separated IPs or hostnames to add to a generated certificate")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("meshd", version)
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	cfg.Logging.Component = "meshd"
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	defer log.Sync()

	log.Infof("Starting meshd %s (node: %s, algorithm: %s)", version, cfg.Scheduler.NodeID, cfg.Scheduler.Algorithm)
	if file := loader.File(); file != "" {
		log.Infof("Config file: %s", file)
	} else {
		log.Info("No config file found, using defaults and environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMgr := shutdown.New(30*time.Second, log)

	// Tracing
	cfg.Tracing.ServiceVersion = version
	tracer, err := tracing.InitTracer(cfg.Tracing, log)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	shutdownMgr.Register("tracing", tracer.Shutdown)

	// Archive
	archive, err := store.NewStore(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Type, err)
	}
	log.Infof("✓ Task archive: %s", cfg.Store.Type)
	shutdownMgr.Register("store", shutdown.CloseResource(archive))

	// Transport
	link, err := transport.New(ctx, cfg.Transport, log)
	if err != nil {
		log.Fatalf("Failed to create %s transport: %v", cfg.Transport.Type, err)
	}
	log.Infof("✓ Transport: %s", cfg.Transport.Type)
	shutdownMgr.Register("transport", shutdown.CloseResource(link))

	// Router and scheduler
	router := routing.NewRouter(cfg.Scheduler.NodeID, &cfg.Routing, link, log)
	router.SetTracer(tracer)

	sched := scheduler.New(&cfg.Scheduler, cost.NewModel(cfg.Cost), router, log)
	sched.SetArchive(archive)
	sched.SetTracer(tracer)

	var sources telemetry.MultiSource
	if cfg.Telemetry.Enabled() {
		redisClient, err := telemetry.NewRedisClient(ctx, cfg.Telemetry)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		shutdownMgr.Register("redis", shutdown.CloseResource(redisClient))
		sources = append(sources, telemetry.NewRedisSource(redisClient, cfg.Telemetry))
		log.Infof("✓ Resource telemetry from Redis at %s", cfg.Telemetry.RedisAddr)
	}

	if *localWorker {
		loopback, ok := link.(*transport.Loopback)
		if !ok {
			log.Fatalf("--local-worker requires transport.type=%s, got %s", transport.TypeLoopback, cfg.Transport.Type)
		}
		nodeID := cfg.Scheduler.NodeID
		samplerConfig := cfg.Node.Sampler
		samplerConfig.NodeID = nodeID
		sampler := telemetry.NewHostSampler(samplerConfig)
		sources = append(sources, sampler)

		worker := agent.NewWorker(nodeID, agent.DefaultRegistry(), schedulerReporter{sched}, sampler, log)
		loopback.Register(nodeID, worker.HandleMessage)
		router.AddLocalRoute(nodeID, models.NewRouteInfo([]string{nodeID}, 1.0, 1.0, samplerConfig.NetworkBandwidthMbps, 1.0))
		shutdownMgr.Register("local-worker", shutdown.StopFunc(worker.Stop))
		log.Infof("✓ Local worker enabled for node %s", nodeID)
	}

	if len(sources) > 0 {
		sched.SetResourceSource(sources)
	}

	go logSchedulerEvents(ctx, sched.Subscribe(64), log)
	go logRouterEvents(ctx, router.Subscribe(64), log)

	router.Start(ctx)
	sched.Start(ctx)
	shutdownMgr.Register("router", shutdown.StopFunc(router.Stop))
	shutdownMgr.Register("scheduler", shutdown.StopFunc(sched.Stop))

	// Archive retention
	cleanupConfig := cleanup.DefaultConfig()
	cleanupConfig.Retention = cfg.Store.Retention
	cleanupMgr := cleanup.NewCleanupManager(cleanupConfig, archive, log)
	cleanupMgr.Start()
	shutdownMgr.Register("cleanup", shutdown.StopFunc(cleanupMgr.Stop))

	// Metrics
	registry := metrics.NewRegistry(metrics.NewCollector(sched, router, archive))
	bandwidth := metrics.NewBandwidthMonitor(registry)

	handler := api.NewHandler(sched, router, log)
	if httpLink, ok := link.(*transport.HTTPLink); ok {
		handler.SetAddressBook(httpLink)
	}
	handler.AddStats("bandwidth", func() interface{} { return bandwidth.GetStats() })
	handler.AddStats("archive_cleanup", func() interface{} { return cleanupMgr.GetStats() })
	handler.AddStats("archive", func() interface{} {
		m, err := archive.GetTaskMetrics()
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return m
	})

	opts := api.Options{Tracer: tracer, Bandwidth: bandwidth}
	if cfg.API.RateLimitRPS > 0 {
		limiter := ratelimit.NewLimiter(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
		opts.Limiter = limiter
		go pruneLimiters(ctx, limiter, log)
		log.Infof("✓ Rate limiting: %.0f req/s (burst %d)", cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		opts.Metrics = metrics.Handler(registry)
	}
	switch {
	case cfg.API.APIKeyHash != "":
		log.Info("✓ API key authentication enabled (bcrypt hash)")
	case cfg.API.APIKey != "":
		log.Info("✓ API key authentication enabled")
	default:
		log.Warn("API key authentication disabled")
	}

	srv := api.NewServer(cfg.API, api.NewRouter(handler, cfg.API, opts))
	if cfg.API.TLS.ServerEnabled() {
		if *generateCert {
			var hosts []string
			for _, h := range strings.Split(*certHosts, ",") {
				if h = strings.TrimSpace(h); h != "" {
					hosts = append(hosts, h)
				}
			}
			generated, err := tlsutil.EnsureSelfSigned(cfg.API.TLS, cfg.Scheduler.NodeID, hosts...)
			if err != nil {
				log.Fatalf("Failed to generate certificate: %v", err)
			}
			if generated {
				log.Infof("✓ Self-signed certificate generated at %s", cfg.API.TLS.CertFile)
			}
		}
		tlsConfig, err := cfg.API.TLS.ServerConfig()
		if err != nil {
			log.Fatalf("Failed to load TLS config: %v", err)
		}
		srv.TLSConfig = tlsConfig
		log.Info("✓ TLS enabled")
		if cfg.API.TLS.ClientAuth {
			log.Info("✓ mTLS enabled - requiring client certificates")
		}
	} else {
		log.Warn("TLS disabled, API traffic is plain HTTP")
	}

	go func() {
		log.Infof("meshd API listening on %s", cfg.API.Listen)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	shutdownMgr.Register("api", shutdown.StopHTTPServer(srv))

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", metrics.Handler(registry)).Methods("GET")
		metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		}).Methods("GET")

		metricsSrv := &http.Server{
			Addr:         cfg.Metrics.Listen,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("Metrics endpoint listening on %s/metrics", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Metrics server error: %v", err)
			}
		}()
		shutdownMgr.Register("metrics", shutdown.StopHTTPServer(metricsSrv))
	}

	// Only the log level is applied live; everything else needs a restart
	if loader.File() != "" {
		loader.Watch(func(c *config.Config) {
			log.SetLevel(c.Logging.Level)
		}, func(err error) {
			log.Warnf("Ignoring config change: %v", err)
		})
	}

	shutdownMgr.Wait()
	log.Info("Shutting down gracefully...")
	cancel()
	if failed := shutdownMgr.Shutdown(); len(failed) > 0 {
		log.Errorf("Shutdown incomplete: %v", failed)
		os.Exit(1)
	}
	log.Info("meshd stopped")
}

// schedulerReporter lets an in-process worker report straight to the scheduler
type schedulerReporter struct {
	sched *scheduler.ResourceAwareScheduler
}

func (r schedulerReporter) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error {
	return r.sched.CompleteTask(taskID, result)
}

func (r schedulerReporter) FailTask(ctx context.Context, taskID, errMsg string) error {
	return r.sched.FailTask(taskID, errMsg)
}

func logSchedulerEvents(ctx context.Context, events <-chan scheduler.Event, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch {
			case e.Error != "":
				log.Warnf("[Event] %s task=%s node=%s: %s", e.Type, e.TaskID, e.NodeID, e.Error)
			default:
				log.Debugf("[Event] %s task=%s node=%s status=%s", e.Type, e.TaskID, e.NodeID, e.Status)
			}
		}
	}
}

func logRouterEvents(ctx context.Context, events <-chan routing.Event, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Debugf("[Event] %s node=%s dest=%s %s", e.Type, e.NodeID, e.Destination, e.Detail)
		}
	}
}

func pruneLimiters(ctx context.Context, limiter *ratelimit.Limiter, log *logging.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
				log.Debugf("[RateLimit] Pruned %d idle limiters", n)
			}
		}
	}
}
