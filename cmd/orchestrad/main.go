// Command orchestrad runs a standalone orchestration daemon: Redis-backed
// stores, Pulse task queues, optional MongoDB artifact storage and
// model-backed agents declared in a YAML file. Tool implementations are code;
// embedders that need custom tools should build their own binary on
// runtime/engine instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	"golang.org/x/sync/errgroup"

	"goa.design/orchestra/features/agent/llm"
	artifactmongo "goa.design/orchestra/features/artifact/mongo"
	"goa.design/orchestra/features/model"
	"goa.design/orchestra/features/model/anthropic"
	"goa.design/orchestra/features/model/middleware"
	"goa.design/orchestra/features/model/openai"
	queuepulse "goa.design/orchestra/features/queue/pulse"
	clientspulse "goa.design/orchestra/features/queue/pulse/clients/pulse"
	"goa.design/orchestra/runtime/agent"
	blobfs "goa.design/orchestra/runtime/artifact/blob/fs"
	"goa.design/orchestra/runtime/engine"
	"goa.design/orchestra/runtime/telemetry"
)

const rateLimitKey = "orchestra:model:tpm"

func main() {
	var (
		configF    = flag.String("config", envOr("ORCHESTRA_CONFIG", ""), "Path to the YAML deployment file")
		redisAddrF = flag.String("redis-addr", envOr("REDIS_ADDR", ""), "Redis address; empty runs every store in process memory")
		mongoURIF  = flag.String("mongo-uri", envOr("MONGO_URI", ""), "MongoDB connection string for artifact payloads; empty keeps payloads in memory")
		mongoDBF   = flag.String("mongo-db", envOr("MONGO_DB", "orchestra"), "MongoDB database name")
		blobDirF   = flag.String("blob-dir", envOr("BLOB_DIR", ""), "Directory for artifact payloads when MongoDB is not configured")
		httpAddrF  = flag.String("http-addr", envOr("HTTP_ADDR", ":8080"), "Health endpoint listen address")
		modelF     = flag.String("model", envOr("ORCHESTRA_MODEL", ""), "Default model identifier for configured agents")
		tpmF       = flag.Int("model-tpm", envIntOr("ORCHESTRA_MODEL_TPM", 60000), "Initial tokens-per-minute budget for the model rate limiter")
		dbgF       = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, options{
		configPath: *configF,
		redisAddr:  *redisAddrF,
		mongoURI:   *mongoURIF,
		mongoDB:    *mongoDBF,
		blobDir:    *blobDirF,
		httpAddr:   *httpAddrF,
		model:      *modelF,
		modelTPM:   float64(*tpmF),
	}); err != nil {
		log.Errorf(ctx, err, "orchestrad exited")
		os.Exit(1)
	}
}

type options struct {
	configPath string
	redisAddr  string
	mongoURI   string
	mongoDB    string
	blobDir    string
	httpAddr   string
	model      string
	modelTPM   float64
}

func run(ctx context.Context, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := engine.Config{
		Agents:  agent.NewRegistry(),
		Tools:   agent.NewToolbox(),
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}
	var pingers []health.Pinger

	var rdb *redis.Client
	if opts.redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		cfg.Redis = rdb
		pingers = append(pingers, redisPinger{rdb: rdb})

		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("pulse client: %w", err)
		}
		queues, err := queuepulse.New(queuepulse.Options{
			Client:  pc,
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		})
		if err != nil {
			return fmt.Errorf("queue transport: %w", err)
		}
		cfg.Queues = queues
		log.Print(ctx, log.KV{K: "redis", V: opts.redisAddr})
	} else {
		log.Print(ctx, log.KV{K: "stores", V: "in-memory"})
	}

	if opts.mongoURI != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(opts.mongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mc.Disconnect(dctx) //nolint:errcheck
		}()
		blobs, err := artifactmongo.NewStoreFromMongo(mc, opts.mongoDB)
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		cfg.Blobs = blobs
		pingers = append(pingers, blobs.Pinger())
		log.Print(ctx, log.KV{K: "mongo", V: opts.mongoDB})
	} else if opts.blobDir != "" {
		blobs, err := blobfs.New(opts.blobDir)
		if err != nil {
			return err
		}
		cfg.Blobs = blobs
		log.Print(ctx, log.KV{K: "blobs", V: opts.blobDir})
	}

	if opts.configPath != "" {
		fileCfg, err := engine.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		if err := registerAgents(ctx, cfg, fileCfg, rdb, opts); err != nil {
			return err
		}
	}

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	srv := &http.Server{Addr: opts.httpAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Print(gctx, log.KV{K: "tick driver", V: "running"})
		return eng.Run(gctx)
	})
	g.Go(func() error {
		log.Print(gctx, log.KV{K: "http", V: opts.httpAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := eng.Close(cctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// registerAgents backs every agent declared in the deployment file with a
// model client. The client is shared and wrapped in the adaptive rate
// limiter; with Redis available the tokens-per-minute budget is coordinated
// across daemon replicas.
func registerAgents(ctx context.Context, cfg engine.Config, fileCfg *engine.FileConfig, rdb *redis.Client, opts options) error {
	if len(fileCfg.Agents) == 0 {
		return nil
	}
	client, err := modelClient(opts.model)
	if err != nil {
		return err
	}

	var budget *rmap.Map
	if rdb != nil {
		if budget, err = rmap.Join(ctx, "orchestra-ratelimit", rdb); err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, rateLimitKey, opts.modelTPM, 4*opts.modelTPM)
	client = limiter.Middleware()(client)

	for _, ac := range fileCfg.Agents {
		a, err := llm.New(llm.Options{
			ID:     ac.ID,
			Client: client,
			Tools:  cfg.Tools,
		})
		if err != nil {
			return fmt.Errorf("agent %q: %w", ac.ID, err)
		}
		if err := cfg.Agents.Register(a, ac.Options()); err != nil {
			return err
		}
		log.Print(ctx, log.KV{K: "agent", V: ac.ID})
	}
	return nil
}

// modelClient picks a provider from the environment: Anthropic when
// ANTHROPIC_API_KEY is set, OpenAI when OPENAI_API_KEY is set.
func modelClient(defaultModel string) (model.Client, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if defaultModel == "" {
			defaultModel = "claude-sonnet-4-5"
		}
		return anthropic.NewFromAPIKey(key, defaultModel)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if defaultModel == "" {
			defaultModel = "gpt-4o"
		}
		return openai.NewFromAPIKey(key, defaultModel)
	}
	return nil, errors.New("set ANTHROPIC_API_KEY or OPENAI_API_KEY to back configured agents")
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envIntOr(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
