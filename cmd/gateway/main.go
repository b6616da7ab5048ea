package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/api"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/login"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/pool"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/session"
	"github.com/catdevnull/docialsata/lib/serviceutil"
	"github.com/catdevnull/docialsata/lib/telemetry"
	"github.com/catdevnull/docialsata/lib/tokenstore"
	"github.com/catdevnull/docialsata/services/gateway"
)

func initSlog(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	verbose := flag.Bool("v", false, "debug logging")
	port := flag.Int("port", 8080, "listen port")
	poolSize := flag.Int("pool-size", pool.DefaultSize, "target number of warm sessions")
	flag.Parse()

	initSlog(*verbose)

	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		serviceutil.Fatal("failed to load .env", err)
	}

	ctx := serviceutil.SignalContext()

	t, err := telemetry.SetupFromEnv(ctx, "gateway")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	defer t.Shutdown(context.Background())

	accountsStore, err := accounts.OpenStore(envOr("ACCOUNTS_STATE_PATH", "accounts.json"))
	if err != nil {
		serviceutil.Fatal("failed to open accounts store", err)
	}
	tokens, err := tokenstore.Open(envOr("TOKEN_DB_PATH", "tokens.json"))
	if err != nil {
		serviceutil.Fatal("failed to open token store", err)
	}

	if size := os.Getenv("ACCOUNT_POOL_SIZE"); size != "" {
		parsed, err := strconv.Atoi(size)
		if err != nil {
			serviceutil.Fatal("invalid ACCOUNT_POOL_SIZE", err)
		}
		*poolSize = parsed
	}

	proxyList, proxyURI := pool.ProxiesFromEnv()

	flow := login.New(login.Options{})
	accountPool := pool.New(pool.Options{
		Size:      *poolSize,
		Store:     accountsStore,
		Login:     flow,
		ProxyList: proxyList,
		ProxyURI:  proxyURI,
	})
	// warm the pool eagerly; requests arriving earlier await the same run
	accountPool.Replenish()

	authenticator := pool.NewAuthenticator(accountPool)

	guest, err := session.NewGuestClient(session.Options{})
	if err != nil {
		serviceutil.Fatal("failed to build guest client", err)
	}

	apiClient, err := api.NewClient(api.Options{
		Transport: authenticator,
		Guest:     guest,
	})
	if err != nil {
		serviceutil.Fatal("failed to build api client", err)
	}

	service := gateway.NewService(gateway.Options{
		API:           apiClient,
		Pool:          accountPool,
		Authenticator: authenticator,
		Tokens:        tokens,
		Accounts:      accountsStore,
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	})

	go serviceutil.StartHttpServer(*port, service.Router())

	<-ctx.Done()
}
