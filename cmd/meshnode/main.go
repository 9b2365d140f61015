package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshsched/meshsched/pkg/agent"
	"github.com/meshsched/meshsched/pkg/config"
	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/metrics"
	"github.com/meshsched/meshsched/pkg/shutdown"
	"github.com/meshsched/meshsched/pkg/telemetry"
	"github.com/meshsched/meshsched/pkg/tracing"
	"github.com/meshsched/meshsched/pkg/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Config file (default: ./meshsched.yaml or /etc/meshsched/meshsched.yaml)")
	nodeIDFlag := flag.String("node-id", "", "Node id (default: node.sampler.node_id or the hostname)")
	daemonURL := flag.String("daemon", "", "meshd URL (overrides node.daemon_url)")
	logLevel := flag.String("log-level", "", "Override logging.level")
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *daemonURL != "" {
		cfg.Node.DaemonURL = *daemonURL
	}

	cfg.Logging.Component = "meshnode"
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	defer log.Sync()

	hostname, _ := os.Hostname()
	nodeID := *nodeIDFlag
	if nodeID == "" {
		nodeID = cfg.Node.Sampler.NodeID
	}
	if nodeID == "" {
		nodeID = hostname
	}
	if nodeID == "" {
		log.Fatal("Node id is empty and the hostname is unavailable; set --node-id")
	}
	cfg.Node.Sampler.NodeID = nodeID
	if cfg.Node.AdvertiseURL == "" {
		cfg.Node.AdvertiseURL = advertiseURL(hostname, cfg.Node.Listen)
	}
	cfg.Node.Sampler.Address = cfg.Node.AdvertiseURL
	log = log.WithField("node_id", nodeID)

	log.Infof("Starting meshnode %s (daemon: %s, transport: %s)", version, cfg.Node.DaemonURL, cfg.Transport.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMgr := shutdown.New(30*time.Second, log)

	cfg.Tracing.ServiceName = "meshnode"
	cfg.Tracing.ServiceVersion = version
	tracer, err := tracing.InitTracer(cfg.Tracing, log)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	shutdownMgr.Register("tracing", tracer.Shutdown)

	sampler := telemetry.NewHostSampler(cfg.Node.Sampler)

	client := agent.NewClient(cfg.Node.DaemonURL)
	if cfg.Node.DaemonTLS.ClientEnabled() {
		tlsConfig, err := cfg.Node.DaemonTLS.ClientConfig()
		if err != nil {
			log.Fatalf("Failed to load TLS config: %v", err)
		}
		if cfg.Node.DaemonTLS.InsecureSkipVerify {
			log.Warn("TLS certificate verification disabled (insecure)")
		}
		client = agent.NewClientWithTLS(cfg.Node.DaemonURL, tlsConfig)
	}
	client.SetNodeID(nodeID)
	client.SetRetry(cfg.Node.Retry)
	if cfg.API.APIKey != "" {
		client.SetAPIKey(cfg.API.APIKey)
	}

	executors := agent.DefaultRegistry()
	worker := agent.NewWorker(nodeID, executors, client, sampler, log)
	log.Infof("✓ Executors: %s", strings.Join(executors.Types(), ", "))

	// Inbox for the HTTP transport, plus node metrics
	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Handle(transport.InboxPath, transport.InboxHandler(worker.HandleMessage)).Methods("POST")
	router.Handle("/metrics", metrics.Handler(metrics.NewNodeRegistry(metrics.NewNodeCollector(nodeID, worker, sampler)))).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         cfg.Node.Listen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		log.Infof("Inbox listening on %s (advertised as %s)", cfg.Node.Listen, cfg.Node.AdvertiseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start inbox server: %v", err)
		}
	}()
	shutdownMgr.Register("inbox", shutdown.StopHTTPServer(srv))

	// Queue consumer for the AMQP transport
	if cfg.Transport.Type == transport.TypeAMQP {
		link, err := transport.DialAMQP(ctx, cfg.Transport, log)
		if err != nil {
			log.Fatalf("Failed to connect to AMQP: %v", err)
		}
		shutdownMgr.Register("amqp", shutdown.CloseResource(link))
		go func() {
			log.Infof("✓ Consuming assignments from %s", transport.QueueName(cfg.Transport.AMQPExchange, nodeID))
			if err := link.Consume(ctx, nodeID, worker.HandleMessage); err != nil && ctx.Err() == nil {
				log.Errorf("AMQP consumer stopped: %v", err)
				shutdownMgr.Trigger()
			}
		}()
	}

	// Worker stops before the transports close so reports still go out
	shutdownMgr.Register("worker", shutdown.StopFunc(worker.Stop))

	go agent.ReportResources(ctx, client, sampler, cfg.Node.ReportInterval, log)

	if cfg.Telemetry.Enabled() {
		redisClient, err := telemetry.NewRedisClient(ctx, cfg.Telemetry)
		if err != nil {
			log.Warnf("Redis unavailable, reporting over HTTP only: %v", err)
		} else {
			shutdownMgr.Register("redis", shutdown.CloseResource(redisClient))
			publisher := telemetry.NewRedisPublisher(redisClient, cfg.Telemetry)
			go publisher.Run(ctx, sampler, cfg.Telemetry.Interval, log)
			log.Infof("✓ Publishing resources to Redis at %s", cfg.Telemetry.RedisAddr)
		}
	}

	if loader.File() != "" {
		log.WatchLevel(loader.Viper(), "logging.level")
	}

	shutdownMgr.Wait()
	log.Info("Shutting down gracefully...")
	cancel()
	if failed := shutdownMgr.Shutdown(); len(failed) > 0 {
		log.Errorf("Shutdown incomplete: %v", failed)
		os.Exit(1)
	}
	log.Info("meshnode stopped")
}

// advertiseURL derives the base URL meshd should post to from the listen address
func advertiseURL(hostname, listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = hostname
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
