package cmd

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/tokenstore"
)

var rootCmd = &cobra.Command{
	Use:   "gateway-cli",
	Short: "Operator tooling for the scraping gateway's state files.",
}

func Execute() {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Fatal(err)
	}
	err = rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func openAccounts() *accounts.Store {
	store, err := accounts.OpenStore(envOr("ACCOUNTS_STATE_PATH", "accounts.json"))
	if err != nil {
		log.Fatal(err)
	}
	return store
}

func openTokens() *tokenstore.Store {
	store, err := tokenstore.Open(envOr("TOKEN_DB_PATH", "tokens.json"))
	if err != nil {
		log.Fatal(err)
	}
	return store
}
