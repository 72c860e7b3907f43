package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docsync-server/core"
	"docsync-server/handlers/api/status"
	"docsync-server/handlers/collab"
	authMiddleware "docsync-server/middleware"
	platformmem "docsync-server/platform/memory"
	"docsync-server/platform/postgres"
	"docsync-server/stores"
	"docsync-server/sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func setupDirectory() core.Directory {
	databaseURL := os.Getenv("PLATFORM_DB")
	if databaseURL == "" {
		logrus.Warn("PLATFORM_DB not set, using permissive in-memory directory (development only)")
		directory := platformmem.NewPermissiveDirectory()
		seedFiles(directory)
		return directory
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	directory, err := postgres.Open(ctx, databaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to platform database")
	}
	logrus.Info("Connected to platform database")
	return directory
}

// seedFiles registers development file references from SEED_FILES, a
// comma-separated list of document names ("w1:42,w1:43").
func seedFiles(directory *platformmem.Directory) {
	raw := os.Getenv("SEED_FILES")
	if raw == "" {
		return
	}
	for _, name := range strings.Split(raw, ",") {
		key, err := sync.ParseDocumentName(strings.TrimSpace(name))
		if err != nil {
			logrus.WithField("name", name).Warn("Skipping malformed SEED_FILES entry")
			continue
		}
		directory.AddFile(key.FileID, key.WorkspaceID)
		logrus.WithField("document", key.String()).Debug("Seeded file reference")
	}
}

func setupRouter(registry *sync.Registry, jwtSecret []byte) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "Host"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", status.HandleHealth(registry))

	r.Group(func(r chi.Router) {
		if len(jwtSecret) > 0 {
			r.Use(authMiddleware.AuthJWT(jwtSecret))
		}
		r.Get("/api/documents", status.HandleListDocuments(registry))
	})

	return r
}

func waitForShutdown(ioo *socketio.Server, registry *sync.Registry) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")
	ioo.Close(nil)
	// Flush every resident document before the process exits.
	registry.Close()
	os.Exit(0)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	idleWindow := flag.Duration("idle-window", 30*time.Second, "How long an idle document stays resident after its last session leaves.")
	flushInterval := flag.Duration("flush-interval", 2*time.Second, "Debounce window for coalescing snapshot writes.")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	jwtSecret := []byte(os.Getenv("JWT_SECRET"))
	if len(jwtSecret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Identity tokens will not be accepted.")
	}

	store := stores.GetStore()
	directory := setupDirectory()

	registry := sync.NewRegistry(store, sync.Config{
		IdleWindow:    *idleWindow,
		FlushInterval: *flushInterval,
	})

	policy := sync.ProvisionPolicy(os.Getenv("MEMBERSHIP_POLICY"))
	gateway := sync.NewGateway(sync.GatewayConfig{
		Directory:   directory,
		TokenSecret: jwtSecret,
		Policy:      policy,
	})

	r := setupRouter(registry, jwtSecret)

	ioo := collab.NewServer(gateway, registry)
	r.Mount("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddress, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	waitForShutdown(ioo, registry)
}
