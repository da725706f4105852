package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"medtransit/internal/api"
	"medtransit/internal/auth"
	"medtransit/internal/config"
	"medtransit/internal/dispatch"
	"medtransit/internal/geo"
	"medtransit/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := newLogger(cfg.Log)

	deps := buildDeps(cfg, log)
	go deps.Hub.Run()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(api.RequestLogger(log))
	if mw, err := api.RequestMetrics(prometheus.DefaultRegisterer); err == nil {
		r.Use(mw)
	} else {
		log.Warn().Err(err).Msg("request metrics disabled")
	}

	api.AttachRoutes(r, deps)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("medtransit API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w = os.Stderr
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func buildDeps(cfg *config.Config, log zerolog.Logger) api.Deps {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	memDir := dispatch.NewMemDirectory()
	var (
		dir      dispatch.Directory     = memDir
		units    dispatch.UnitDirectory = memDir
		geoIdx   dispatch.GeoIndex
		persist  dispatch.Persistence
		events   dispatch.EventLog
		idem     api.IdempotencyStore
		idDB     api.IdentityDB
		authMem  *auth.InMemoryStore
		dbPing   func(context.Context) error
		rdbPing  func(context.Context) error
		memGeo   = geo.NewInMemoryGeo()
		storeDir *storage.Directory
	)
	geoIdx = memGeoAdapter{idx: memGeo}

	if cfg.Postgres.URL != "" {
		pool, err := storage.DefaultPool(ctx, cfg.Postgres.URL)
		if err != nil {
			log.Warn().Err(err).Msg("database connection failed, falling back to in-memory")
		} else if err := storage.EnsureSchema(ctx, pool); err != nil {
			log.Warn().Err(err).Msg("schema init failed, falling back to in-memory")
		} else {
			log.Info().Msg("using PostgreSQL persistence")
			pg := storage.NewPostgres(pool)
			persist = pg
			events = pg
			dbPing = pg.Ping
			storeDir = storage.NewDirectory(pg)
			dir = storeDir
			units = storeDir
			idDB = storage.NewIdentityStore(pool)
			idem = storage.NewIdempotencyStore(pool, cfg.Dispatch.IdempotencyTTL)
		}
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("redis URL parse error, geo fallback to in-memory")
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Msg("redis unreachable, geo fallback to in-memory")
			} else {
				log.Info().Msg("using Redis geo index")
				idx := geo.NewIndex(client)
				geoIdx = redisGeoAdapter{idx: idx}
				rdbPing = func(ctx context.Context) error { return client.Ping(ctx).Err() }
				hydrateRedisGeo(ctx, log, storeDir, idx)
			}
		}
	}
	if _, ok := geoIdx.(memGeoAdapter); ok {
		hydrateMemGeo(ctx, log, storeDir, memDir, memGeo)
	}

	if cfg.Auth.Mode == "memory" {
		authMem = auth.NewInMemoryStore()
		log.Info().Msg("auth: in-memory token issuance enabled")
		if idDB != nil {
			seedIdentities(ctx, log, idDB, authMem)
		}
	}

	sel := dispatch.NewSelector(dir, geoIdx)
	coord := dispatch.NewCoordinator(dir, units, sel)
	coord.SetDefaultRadius(cfg.Dispatch.DefaultRadiusMiles)
	if persist != nil {
		coord.AttachPersistence(persist)
	}
	coord.AttachLogger(log.With().Str("component", "coordinator").Logger())
	coord.AttachHealth(dbPing, rdbPing)
	if m, err := dispatch.NewMetrics(prometheus.DefaultRegisterer); err == nil {
		coord.AttachMetrics(m)
	} else {
		log.Warn().Err(err).Msg("coordination metrics disabled")
	}

	hub := dispatch.NewHub(log.With().Str("component", "hub").Logger())
	coord.AttachNotifier(hub)

	return api.Deps{
		Coord:       coord,
		Hub:         hub,
		AuthStore:   authMem,
		IdentityDB:  idDB,
		AuthTTL:     cfg.Auth.TTL,
		Events:      events,
		Idempotency: idem,
		Log:         log,
	}
}

func hydrateRedisGeo(ctx context.Context, log zerolog.Logger, dir *storage.Directory, idx *geo.Index) {
	if dir == nil {
		return
	}
	agencies, err := dir.ListAgencies(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("geo index hydration failed")
		return
	}
	for _, ag := range agencies {
		if ag.Coordinates == nil {
			continue
		}
		if err := idx.AddAgency(ctx, ag.ID, ag.Coordinates.Latitude, ag.Coordinates.Longitude); err != nil {
			log.Warn().Err(err).Str("agency_id", ag.ID).Msg("geo index add failed")
		}
	}
}

func hydrateMemGeo(ctx context.Context, log zerolog.Logger, dir *storage.Directory, memDir *dispatch.MemDirectory, idx *geo.InMemoryGeo) {
	var agencies []dispatch.Agency
	if dir != nil {
		var err error
		agencies, err = dir.ListAgencies(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("geo index hydration failed")
			return
		}
	} else {
		agencies = memDir.Agencies()
	}
	for _, ag := range agencies {
		if ag.Coordinates == nil {
			continue
		}
		_ = idx.AddAgency(ag.ID, ag.Coordinates.Latitude, ag.Coordinates.Longitude)
	}
}

func seedIdentities(ctx context.Context, log zerolog.Logger, db api.IdentityDB, mem *auth.InMemoryStore) {
	store, ok := db.(*storage.IdentityStore)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	all, err := store.All(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to preload identities")
		return
	}
	for _, ident := range all {
		mem.Seed(ident)
	}
}

// adapter structs to avoid package import cycle
type redisGeoAdapter struct{ idx *geo.Index }

func (r redisGeoAdapter) Within(lat, lon, radiusMiles float64) ([]dispatch.GeoResult, error) {
	results, err := r.idx.Within(context.Background(), lat, lon, radiusMiles)
	if err != nil {
		return nil, err
	}
	return toGeoResults(results), nil
}

type memGeoAdapter struct{ idx *geo.InMemoryGeo }

func (m memGeoAdapter) Within(lat, lon, radiusMiles float64) ([]dispatch.GeoResult, error) {
	results, err := m.idx.Within(lat, lon, radiusMiles)
	if err != nil {
		return nil, err
	}
	return toGeoResults(results), nil
}

func toGeoResults(results []geo.Result) []dispatch.GeoResult {
	out := make([]dispatch.GeoResult, 0, len(results))
	for _, res := range results {
		out = append(out, dispatch.GeoResult{AgencyID: res.AgencyID, Miles: res.Miles})
	}
	return out
}
