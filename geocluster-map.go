package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"geocluster-map/pkg/api"
	"geocluster-map/pkg/broadcast"
	"geocluster-map/pkg/cluster"
	"geocluster-map/pkg/config"
	"geocluster-map/pkg/database"
	"geocluster-map/pkg/engine"
	"geocluster-map/pkg/loader"
	"geocluster-map/pkg/locate"
	"geocluster-map/pkg/remote"
	"geocluster-map/pkg/scheduler"
	"geocluster-map/pkg/store"
)

var configPath = flag.String("config", "", "Optional YAML config file")
var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: sqlite, chai, genji, duckdb, or pgx (postgresql)")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for file based drivers)")
var dbConn = flag.String("db-conn", "", "PostgreSQL DSN; overrides the discrete db-* settings")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "geocluster", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var remoteURL = flag.String("remote", "", "Read records from another geocluster-map node instead of the local database")
var geoipPath = flag.String("geoip", "", "MaxMind City database used to centre the first view on the visitor")
var progressive = flag.Bool("progressive", false, "Load records in adaptive batches and report progress")
var clusterMaxZoom = flag.Float64("cluster-max-zoom", 14, "Zoom above which points are never clustered")
var paddingRatio = flag.Float64("padding", 0.15, "Fraction of the viewport added on every side when fetching")
var defaultLat = flag.Float64("default-lat", 44.08832, "Default map latitude")
var defaultLon = flag.Float64("default-lon", 42.97577, "Default map longitude")
var defaultZoom = flag.Float64("default-zoom", 11, "Default map zoom")
var responseTTL = flag.Duration("response-ttl", 5*time.Second, "How long /api/records responses stay cached (0 disables)")
var seed = flag.Int("seed", 0, "Insert N random demo records around the default view and continue")
var version = flag.Bool("version", false, "Show the application version")

var CompileVersion = "dev"

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("geocluster-map version %s\n", CompileVersion)
		return
	}

	cfg, err := config.Load(*configPath, ".env", filepath.Join("data", "env", ".env"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database and record source.
	var (
		db      *database.Database
		source  api.RecordSource
		fetcher loader.Fetcher
		lookup  engine.RecordLookup
	)
	if cfg.Remote != "" {
		client, err := remote.New(cfg.Remote, nil)
		if err != nil {
			log.Fatalf("remote: %v", err)
		}
		source, fetcher, lookup = client, client, client
		log.Printf("Reading records from %s", cfg.Remote)
	} else {
		db, err = database.NewDatabase(database.Config{
			DBType:    cfg.Database.Type,
			DBPath:    cfg.Database.Path,
			DBConn:    cfg.Database.Conn,
			DBHost:    cfg.Database.Host,
			DBPort:    cfg.Database.Port,
			DBUser:    cfg.Database.User,
			DBPass:    cfg.Database.Pass,
			DBName:    cfg.Database.Name,
			PGSSLMode: cfg.Database.SSLMode,
			Port:      cfg.Port,
			Logf:      log.Printf,
		})
		if err != nil {
			log.Fatalf("DB init: %v", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			log.Fatalf("DB schema: %v", err)
		}
		log.Printf("background index build scheduled (engine=%s); listeners come up first", db.Driver)
		db.EnsureIndexesAsync(ctx)

		if *seed > 0 {
			if err := seedRecords(ctx, db, *seed, cfg.View); err != nil {
				log.Fatalf("seed: %v", err)
			}
		}
		rs := database.RecordSource{DB: db}
		source, fetcher, lookup = rs, rs, rs
	}

	// Shared state: Redis when configured, else the SQL kv table, else memory.
	var (
		st  store.Store = store.NewMemory()
		bus broadcast.Bus
	)
	if client := store.OpenRedisFromEnv(); client != nil {
		st = store.NewRedis(client, "geocluster:")
		bus = broadcast.NewRedis(client, "geocluster:", log.Printf)
		defer client.Close()
		log.Printf("Sharing cache snapshots through Redis")
	} else {
		if db != nil {
			st = db
		}
		bus = broadcast.NewLocal(16)
	}

	eng, err := engine.New(engine.Options{
		Fetcher:          fetcher,
		Lookup:           lookup,
		Store:            st,
		Bus:              bus,
		PaddingRatio:     cfg.Engine.PaddingRatio,
		Progressive:      cfg.Engine.Progressive,
		InitialBatchSize: cfg.Engine.InitialBatchSize,
		MetadataTTL:      cfg.Engine.MetadataTTL,
		TelemetryFlush:   cfg.Engine.TelemetryFlush,
		Cluster: cluster.Options{
			ClusterMaxZoom:  cfg.Engine.ClusterMaxZoom,
			BaseCellSizeDeg: cfg.Engine.BaseCellSizeDeg,
			MinClusterSize:  cfg.Engine.MinClusterSize,
		},
		Scheduler: scheduler.Options{
			DataDebounce:  cfg.Engine.DataDebounce,
			StyleDebounce: cfg.Engine.StyleDebounce,
		},
		Loader: loader.Options{
			MaxRetries:   cfg.Engine.MaxRetries,
			BatchTimeout: cfg.Engine.BatchTimeout,
		},
		Logf: log.Printf,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	if err := eng.Init(ctx); err != nil {
		log.Fatalf("engine init: %v", err)
	}

	h := api.NewHandler(eng, source, api.InitialView{
		Lat: cfg.View.Lat, Lon: cfg.View.Lon, Zoom: cfg.View.Zoom, HalfSpanDeg: cfg.View.HalfSpanDeg,
	}, log.Printf)
	h.NotFound = func(err error) bool {
		return errors.Is(err, database.ErrNotFound) || errors.Is(err, remote.ErrNotFound)
	}
	h.Cache = api.NewResponseCache(*responseTTL, 0)
	defer h.Cache.Close()
	h.Limiter = api.NewRateLimiter(100 * time.Millisecond)
	defer h.Limiter.Close()
	if cfg.GeoIPPath != "" {
		g, err := locate.Open(cfg.GeoIPPath)
		if err != nil {
			log.Printf("geoip disabled: %v", err)
		} else {
			h.Locator = g
			defer g.Close()
		}
	}

	rootHandler := withServerHeader(h.Routes())

	var srv *http.Server
	if cfg.Domain != "" {
		go serveWithDomain(cfg.Domain, rootHandler)
	} else {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           rootHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP server ➜ http://localhost:%d", cfg.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "domain":
			cfg.Domain = *domain
		case "db-type":
			cfg.Database.Type = *dbType
		case "db-path":
			cfg.Database.Path = *dbPath
		case "db-conn":
			cfg.Database.Conn = *dbConn
		case "db-host":
			cfg.Database.Host = *dbHost
		case "db-port":
			cfg.Database.Port = *dbPort
		case "db-user":
			cfg.Database.User = *dbUser
		case "db-pass":
			cfg.Database.Pass = *dbPass
		case "db-name":
			cfg.Database.Name = *dbName
		case "pg-ssl-mode":
			cfg.Database.SSLMode = *pgSSLMode
		case "port":
			cfg.Port = *port
		case "remote":
			cfg.Remote = *remoteURL
		case "geoip":
			cfg.GeoIPPath = *geoipPath
		case "progressive":
			cfg.Engine.Progressive = *progressive
		case "cluster-max-zoom":
			cfg.Engine.ClusterMaxZoom = *clusterMaxZoom
		case "padding":
			cfg.Engine.PaddingRatio = *paddingRatio
		case "default-lat":
			cfg.View.Lat = *defaultLat
		case "default-lon":
			cfg.View.Lon = *defaultLon
		case "default-zoom":
			cfg.View.Zoom = *defaultZoom
		}
	})
}
