// Command batchpir-server runs the BatchPIR gRPC server over a seeded random
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/opaque/batchpir/internal/service"
	"github.com/opaque/batchpir/internal/store"
	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/grpcserver"
)

var (
	grpcPort   = flag.Int("grpc-port", 50051, "gRPC server port")
	httpPort   = flag.Int("http-port", 8080, "HTTP health port")
	numEntries = flag.Int("entries", 1<<20, "Number of database entries")
	entrySize  = flag.Int("entry-size", 32, "Entry size in bytes")
	batchSize  = flag.Int("batch", 32, "Maximum distinct indices per batch")
	firstDim   = flag.Int("first-dim", 64, "Cap on the first hypercube dimension")
	preset     = flag.String("preset", string(crypto.DefaultPreset), "BGV parameter preset")
	dataSeed   = flag.Int64("data-seed", 42, "Seed of the random database")
	dataDir    = flag.String("data-dir", "", "Directory of a file-backed entry store (default: in-memory)")
	sessionTTL = flag.Duration("session-ttl", 24*time.Hour, "Maximum session lifetime")
	workers    = flag.Int("workers", 0, "Worker goroutines (0 = NumCPU)")
	debugLevel = flag.Int("debug", 0, "0 info, 1 debug, 2 trace")
	tlsCert    = flag.String("tls-cert", "", "TLS certificate file (optional)")
	tlsKey     = flag.String("tls-key", "", "TLS key file (optional)")
)

func main() {
	flag.Parse()

	switch *debugLevel {
	case 0:
		logrus.SetLevel(logrus.InfoLevel)
	case 1:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.TraceLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "batchpir-server")

	ctx := context.Background()
	var entryStore store.EntryStore = store.NewMemoryStore(*entrySize)
	if *dataDir != "" {
		fs, err := store.OpenFileStore(*dataDir, *entrySize)
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		entryStore = fs
	}
	defer entryStore.Close()

	if n, _ := entryStore.Count(ctx); n == 0 {
		log.Infof("Generating %d random %d-byte entries...", *numEntries, *entrySize)
		if err := store.FillRandom(ctx, entryStore, *numEntries, *dataSeed); err != nil {
			log.Fatalf("Failed to fill store: %v", err)
		}
	} else {
		log.Infof("Serving %d existing entries from %s", n, *dataDir)
	}

	cfg := service.DefaultConfig()
	cfg.Batch = batch.Params{
		BatchSize: *batchSize,
		FirstDim:  *firstDim,
		Preset:    crypto.Preset(*preset),
		Workers:   *workers,
	}
	cfg.MaxSessionTTL = *sessionTTL

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "Encoding buckets")
		}
		bar.Set(done)
	}
	svc, err := service.NewPIRService(ctx, cfg, entryStore, batch.WithProgress(progress), batch.WithLogger(log))
	if err != nil {
		log.Fatalf("Failed to create PIR service: %v", err)
	}
	defer svc.Close()

	var serverOpts []grpc.ServerOption
	if *tlsCert != "" && *tlsKey != "" {
		creds, err := grpcserver.LoadTLSCredentials(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("Failed to load TLS credentials: %v", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
		log.Info("TLS enabled")
	}
	grpcServer := grpcserver.NewGRPCServer(svc, log, serverOpts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// Register reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", *grpcPort))
	if err != nil {
		log.Fatalf("Failed to listen on port %d: %v", *grpcPort, err)
	}

	go func() {
		log.Infof("gRPC server listening on :%d", *grpcPort)
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := svc.HealthCheck(r.Context())
		if h.Healthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "OK\n")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "ERROR: %s\n", h.Status)
		}
		fmt.Fprintf(w, "Sessions: %d\n", h.ActiveSessions)
		fmt.Fprintf(w, "Entries: %d\n", h.Entries)
		fmt.Fprintf(w, "Batches/min: %d\n", h.BatchesInWindow)
	})

	httpMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Ready\n")
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: httpMux,
	}

	go func() {
		log.Infof("HTTP server listening on :%d", *httpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	log.Info("Shutdown complete")
}
