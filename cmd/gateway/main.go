package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"nuha.dev/gpsgateway/internal/config"
	"nuha.dev/gpsgateway/internal/events"
	"nuha.dev/gpsgateway/internal/gateway"
	"nuha.dev/gpsgateway/internal/relay"
	"nuha.dev/gpsgateway/internal/store"
	"nuha.dev/gpsgateway/internal/store/impl/logstore"
	"nuha.dev/gpsgateway/internal/store/impl/pgstore"
	"nuha.dev/gpsgateway/internal/store/impl/redisstore"
)

func main() {
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	setLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := events.New(1)
	if err != nil {
		log.Fatal().Err(err).Msg("creating event bus")
	}

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	sinks, wg, err := openSinks(ctx, sinkCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("opening report sinks")
	}

	g, err := gateway.New(cfg, gateway.Deps{Store: sinks, Events: bus})
	if err != nil {
		log.Fatal().Err(err).Msg("creating gateway")
	}
	err = g.Run(ctx)

	stopSinks()
	wg.Wait()
	if err != nil {
		log.Error().Err(err).Msg("gateway exited")
		os.Exit(1)
	}
}

func setLevel(level string) {
	log.DefaultLogger.Level = log.ParseLevel(level)
	zl, err := zerolog.ParseLevel(level)
	if err != nil {
		zl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zl)
}

// openSinks connects every configured sink. Their writers run on runCtx so
// they can drain after the gateway stops accepting reports.
func openSinks(ctx, runCtx context.Context, cfg *config.Config) (store.Multi, *sync.WaitGroup, error) {
	wg := &sync.WaitGroup{}
	sinks := store.Multi{logstore.NewStore()}
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}

	if cfg.Store.DbUrl != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Store.DbUrl)
		if err != nil {
			return nil, nil, err
		}
		st := pgstore.NewStore(pool, cfg.Store.Table, &pgstore.StoreConfig{BufSize: cfg.Store.BufSize, MaxAgeFlush: cfg.Store.MaxAgeFlush})
		run(st.Run)
		sinks = append(sinks, st)
	}
	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		st := redisstore.NewStore(rdb, cfg.Redis.TTL, 0)
		run(st.Run)
		sinks = append(sinks, st)
	}
	if cfg.Nats.Url != "" {
		nc, err := relay.Connect(cfg.Nats.Url)
		if err != nil {
			return nil, nil, err
		}
		run(func(ctx context.Context) {
			<-ctx.Done()
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
		sinks = append(sinks, relay.New(nc, cfg.Nats.Subject))
	}
	return sinks, wg, nil
}
