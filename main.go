package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/MONDERASDOR/SaverWorld/client"
	"github.com/MONDERASDOR/SaverWorld/player"
	"github.com/MONDERASDOR/SaverWorld/protocol"
	"github.com/MONDERASDOR/SaverWorld/server"
	"github.com/MONDERASDOR/SaverWorld/storage"
	"github.com/MONDERASDOR/SaverWorld/world"
)

func main() {
	defaults := server.DefaultConfig()
	app := &cli.App{
		Name:  "saverworld",
		Usage: "authoritative multiplayer world server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: defaults.Addr, EnvVars: []string{"SAVERWORLD_ADDR"}, Usage: "listen address"},
			&cli.StringFlag{Name: "backend", Value: "leveldb", EnvVars: []string{"SAVERWORLD_BACKEND"}, Usage: "leveldb, bolt or postgres"},
			&cli.StringFlag{Name: "data-dir", Value: "data", EnvVars: []string{"SAVERWORLD_DATA_DIR"}, Usage: "directory for the leveldb and bolt backends"},
			&cli.StringFlag{Name: "postgres-dsn", EnvVars: []string{"SAVERWORLD_POSTGRES_DSN"}, Usage: "postgres connection string; implies --backend postgres"},
			&cli.Int64Flag{Name: "seed", EnvVars: []string{"SAVERWORLD_SEED"}, Usage: "world seed (default: stored or random)"},
			&cli.IntFlag{Name: "chunk-size", Value: defaults.ChunkSize, Usage: "chunk width in world units"},
			&cli.IntFlag{Name: "world-size", Value: defaults.WorldSize, Usage: "width of the /api/world snapshot"},
			&cli.IntFlag{Name: "tick-rate", Value: defaults.TickRate, Usage: "broadcast ticks per second"},
			&cli.DurationFlag{Name: "save-interval", Value: defaults.SaveInterval, Usage: "time between save cycles"},
			&cli.IntFlag{Name: "chat-history", Value: defaults.ChatHistory, Usage: "chat messages kept"},
			&cli.Float64Flag{Name: "message-rate", Value: defaults.MessageRate, Usage: "inbound messages per second per connection, 0 for unlimited"},
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"SAVERWORLD_LOG_LEVEL"}},
			&cli.BoolFlag{Name: "dev", Usage: "human readable logs"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "bot",
				Usage: "connect a client that wanders around the world",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "ws://localhost:3000/ws"},
					&cli.StringFlag{Name: "name", Value: "wanderer"},
					&cli.StringFlag{Name: "user-id"},
					&cli.DurationFlag{Name: "step", Value: 200 * time.Millisecond},
					&cli.DurationFlag{Name: "reconnect-interval", Value: client.DefaultInterval},
					&cli.IntFlag{Name: "max-attempts", Value: client.DefaultMaxAttempts},
					&cli.StringFlag{Name: "log-level", Value: "info"},
					&cli.BoolFlag{Name: "dev"},
				},
				Action: runBot,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if c.Bool("dev") {
		cfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.String("log-level"))
	if err != nil {
		return nil, err
	}
	cfg.Level = level
	return cfg.Build()
}

func openStore(ctx context.Context, c *cli.Context) (storage.Store, error) {
	backend := c.String("backend")
	if c.String("postgres-dsn") != "" {
		backend = "postgres"
	}
	switch backend {
	case "leveldb":
		return storage.OpenLevelDB(filepath.Join(c.String("data-dir"), "leveldb"))
	case "bolt":
		if err := os.MkdirAll(c.String("data-dir"), 0o755); err != nil {
			return nil, err
		}
		return storage.OpenBolt(filepath.Join(c.String("data-dir"), "world.db"))
	case "postgres":
		dsn := c.String("postgres-dsn")
		if dsn == "" {
			return nil, errors.New("postgres backend needs --postgres-dsn")
		}
		return storage.OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// resolveSeed prefers the flag, then the seed stored by a previous run,
// then a fresh random one. Whatever is chosen is stored. A flag that
// changes the stored seed starts a new world: stored chunks are purged.
func resolveSeed(ctx context.Context, c *cli.Context, kv storage.Store, log *zap.Logger) (int64, error) {
	stored, err := kv.Get(ctx, storage.SeedKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	found := err == nil

	if !c.IsSet("seed") && found {
		return strconv.ParseInt(string(stored), 10, 64)
	}
	seed := rand.Int64()
	if c.IsSet("seed") {
		seed = c.Int64("seed")
	}
	if found && string(stored) != strconv.FormatInt(seed, 10) {
		n, err := world.PurgeChunks(ctx, kv)
		if err != nil {
			return 0, fmt.Errorf("purge chunks: %w", err)
		}
		log.Warn("world seed changed, stored chunks purged",
			zap.String("previous", string(stored)),
			zap.Int64("seed", seed),
			zap.Int("chunks", n))
	}
	return seed, kv.Put(ctx, storage.SeedKey, []byte(strconv.FormatInt(seed, 10)))
}

func serve(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer kv.Close()

	codec, err := world.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()

	seed, err := resolveSeed(ctx, c, kv, log)
	if err != nil {
		return fmt.Errorf("world seed: %w", err)
	}

	cfg := server.DefaultConfig()
	cfg.Addr = c.String("addr")
	cfg.ChunkSize = c.Int("chunk-size")
	cfg.WorldSize = c.Int("world-size")
	cfg.TickRate = c.Int("tick-rate")
	cfg.SaveInterval = c.Duration("save-interval")
	cfg.ChatHistory = c.Int("chat-history")
	cfg.MessageRate = c.Float64("message-rate")

	gen := world.NewGenerator(seed)
	chunks := world.NewStore(kv, gen, codec, cfg.ChunkSize, log)
	if _, err := chunks.Restore(ctx); err != nil {
		log.Warn("restoring chunks", zap.Error(err))
	}
	users := player.NewDirectory(kv, log)
	sessions := player.NewRegistry(chunks, users, log)
	srv := server.New(cfg, gen, chunks, users, sessions, log)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go srv.Run(ctx)

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	log.Info("SaverWorld listening",
		zap.String("addr", cfg.Addr),
		zap.Int64("seed", seed),
		zap.Int("chunkSize", cfg.ChunkSize))

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}

func runBot(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := c.String("url")
	userID := c.String("user-id")
	var pos world.Position
	r := &client.Reconnector{
		Dial:        func(ctx context.Context) (*client.Client, error) { return client.Dial(ctx, url) },
		Interval:    c.Duration("reconnect-interval"),
		MaxAttempts: c.Int("max-attempts"),
		Log:         log,
		OnConnect: func(ctx context.Context, cl *client.Client) error {
			if err := cl.Auth(userID, c.String("name")); err != nil {
				return err
			}
			authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			ev, err := cl.WaitFor(authCtx, protocol.TypeAuthSuccess)
			if err != nil {
				return err
			}
			var ok protocol.AuthSuccess
			if err := ev.Decode(&ok); err != nil {
				return err
			}
			userID, pos = ok.Player.ID, ok.Player.Position
			log.Info("bot joined", zap.String("user", userID), zap.Float64("x", pos.X), zap.Float64("z", pos.Z))
			return nil
		},
	}

	err = r.Run(ctx, func(ctx context.Context, cl *client.Client) {
		pos = wander(ctx, cl, pos, c.Duration("step"))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// wander takes a random step every interval until the connection or ctx
// ends, and returns where it stopped.
func wander(ctx context.Context, cl *client.Client, pos world.Position, step time.Duration) world.Position {
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	heading := world.Vec3{X: rand.Float64()*2 - 1, Z: rand.Float64()*2 - 1}.Normalized()
	for {
		select {
		case <-ctx.Done():
			return pos
		case <-cl.Done():
			return pos
		case <-cl.Events():
		case <-ticker.C:
			if rand.IntN(10) == 0 {
				heading = world.Vec3{X: rand.Float64()*2 - 1, Z: rand.Float64()*2 - 1}.Normalized()
			}
			next := world.Position{X: pos.X + heading.X, Z: pos.Z + heading.Z}
			if next.IsSentinel() {
				continue
			}
			if err := cl.Move(next, heading); err != nil {
				return pos
			}
			pos = next
		}
	}
}
