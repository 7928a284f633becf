package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/opforge/toolrun/runtime/config"
	"github.com/opforge/toolrun/runtime/dispatch"
	"github.com/opforge/toolrun/runtime/events"
	"github.com/opforge/toolrun/runtime/events/pulse"
	"github.com/opforge/toolrun/runtime/gate"
	"github.com/opforge/toolrun/runtime/idempotency"
	idemmemory "github.com/opforge/toolrun/runtime/idempotency/memory"
	idemmongo "github.com/opforge/toolrun/runtime/idempotency/mongo"
	idemredis "github.com/opforge/toolrun/runtime/idempotency/redis"
	"github.com/opforge/toolrun/runtime/orchestrator"
	"github.com/opforge/toolrun/runtime/prompt"
	"github.com/opforge/toolrun/runtime/registry"
	regmongo "github.com/opforge/toolrun/runtime/registry/store/mongo"
	"github.com/opforge/toolrun/runtime/telemetry"
)

const mongoDatabase = "toolrun"

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF   = flag.String("config", "", "Path to YAML configuration file (optional)")
		httpPortF = flag.String("http-port", "8080", "API HTTP port")
		opsPortF  = flag.String("ops-port", "8081", "Operations HTTP port (health, debug)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	log.Print(ctx, log.KV{K: "computer-mode", V: cfg.ComputerMode},
		log.KV{K: "idempotency-backend", V: cfg.IdempotencyBackend},
		log.KV{K: "ops-port", V: *opsPortF})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()
	tracer := telemetry.NewOTELTracer()

	// Shared backend clients, created on demand by the selected backend and
	// the pulse event sink.
	var (
		rdb      *goredis.Client
		mongoCli *mongo.Client
	)
	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf(ctx, err, "invalid redis_url")
		}
		rdb = goredis.NewClient(redisOpts)
	}
	if cfg.IdempotencyBackend == config.BackendMongo {
		mongoCli, err = mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf(ctx, err, "mongo connection failed")
		}
		defer func() {
			if err := mongoCli.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "mongo disconnect")
			}
		}()
	}

	// Select the idempotency backend.
	var (
		store   idempotency.Store
		pingers []health.Pinger
	)
	switch cfg.IdempotencyBackend {
	case config.BackendMemory:
		store = idemmemory.New(idemmemory.Options{
			CleanupInterval: cfg.CleanupInterval(),
			MaxRecords:      cfg.MaxRecords,
		})
	case config.BackendRedis:
		rs, err := idemredis.New(idemredis.Options{Client: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "redis idempotency store")
		}
		store = rs
		pingers = append(pingers, pinger{name: "redis", ping: rs.Ping})
	case config.BackendMongo:
		collection := mongoCli.Database(mongoDatabase).Collection("idempotency_records")
		ms, err := idemmongo.New(idemmongo.Options{Collection: collection})
		if err != nil {
			log.Fatalf(ctx, err, "mongo idempotency store")
		}
		store = ms
		pingers = append(pingers, pinger{name: "mongo", ping: ms.Ping})
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, err, "idempotency store close")
		}
	}()

	secgate, err := gate.New(gate.PolicyFromConfig(cfg))
	if err != nil {
		log.Fatalf(ctx, err, "security gate policy")
	}

	reg := registry.New(registry.Options{Logger: logger})
	if mongoCli != nil {
		metaStore := regmongo.New(mongoCli.Database(mongoDatabase).Collection("tool_records"))
		n, err := registry.Hydrate(ctx, reg, metaStore, registry.SystemUser)
		if err != nil {
			log.Fatalf(ctx, err, "tool registry hydration")
		}
		log.Printf(ctx, "hydrated %d tools from metadata store", n)
	}
	bus := events.New(events.Options{
		HistorySize: cfg.EventHistorySize,
		Logger:      logger,
	})
	if rdb != nil {
		sink, err := pulse.New(pulse.Options{
			Redis:        rdb,
			StreamPrefix: cfg.PulseStreamPrefix,
			Logger:       logger,
		})
		if err != nil {
			log.Fatalf(ctx, err, "pulse event sink")
		}
		bus.AttachSink(sink)
		defer sink.Close()
	}

	composer, err := prompt.New(prompt.Options{
		Registry: reg,
		CacheTTL: cfg.PromptCacheTTL(),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "prompt composer")
	}

	orc, err := orchestrator.New(orchestrator.Options{
		Registry:   reg,
		Store:      store,
		Gate:       secgate,
		Dispatcher: dispatch.New(dispatch.Options{Logger: logger, Tracer: tracer}),
		Bus:        bus,
		RecordTTL:  cfg.DefaultTTL(),
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "orchestrator")
	}

	// Operations mux: health checks plus clue debug log toggling and pprof.
	opsMux := http.NewServeMux()
	check := health.Handler(health.NewChecker(pingers...))
	opsMux.Handle("/healthz", check)
	opsMux.Handle("/livez", check)
	debug.MountDebugLogEnabler(opsMux)
	debug.MountPprofHandlers(opsMux)
	opsSrv := &http.Server{Addr: ":" + *opsPortF, Handler: opsMux, ReadHeaderTimeout: time.Second * 60}

	// Create channel used by both the signal handler and server goroutines to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	api := &apiServer{orc: orc, composer: composer, bus: bus, upgrader: &websocket.Upgrader{}}
	handleAPIServer(ctx, ":"+*httpPortF, api, &wg, errc, *dbgF)

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "ops server listening on :%s", *opsPortF)
			errc <- opsSrv.ListenAndServe()
		}()
		<-ctx.Done()
		shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer sdCancel()
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "ops server shutdown")
		}
	}()

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}

// pinger adapts a backend ping function to the clue health interface.
type pinger struct {
	name string
	ping func(context.Context) error
}

func (p pinger) Name() string                   { return p.name }
func (p pinger) Ping(ctx context.Context) error { return p.ping(ctx) }
