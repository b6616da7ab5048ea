package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	accountslib "github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
)

var importFormat string

func init() {
	accountsImportCmd.Flags().StringVar(
		&importFormat,
		"format",
		"username:password:email:emailPassword:authToken:twoFactorSecret",
		"record format; use ANY to throw a field away",
	)

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsImportCmd)
	accountsCmd.AddCommand(accountsResetCmd)
	accountsCmd.AddCommand(accountsDeleteCmd)
	rootCmd.AddCommand(accountsCmd)
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and edit the account list.",
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.ANSIC)
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Prints every stored account and its runtime state.",
	Run: func(cmd *cobra.Command, args []string) {
		store := openAccounts()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Username", "State", "Failed", "Last used", "Rate limited until", "Proxy"})
		for _, acct := range store.Snapshot() {
			t.AppendRow(table.Row{
				acct.Username,
				acct.TokenState,
				acct.FailedLogin,
				formatMillis(acct.LastUsed),
				formatMillis(acct.RateLimitedUntil),
				acct.AssignedProxy,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}

var accountsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Imports newline-separated account records from a file (- for stdin).",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var contents []byte
		var err error
		if args[0] == "-" {
			contents, err = os.ReadFile("/dev/stdin")
		} else {
			contents, err = os.ReadFile(args[0])
		}
		if err != nil {
			log.Fatal(err)
		}

		format, err := accountslib.ParseFormat(importFormat)
		if err != nil {
			log.Fatal(err)
		}
		records, err := format.Parse(string(contents))
		if err != nil {
			log.Fatal(err)
		}

		added, err := openAccounts().Add(records)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("parsed %d record(s), added %d new\n", len(records), added)
	},
}

var accountsResetCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Clears failure flags and rate-limit windows on every account.",
	Run: func(cmd *cobra.Command, args []string) {
		err := openAccounts().UpdateAll(func(a *accountslib.Account) {
			a.FailedLogin = false
			a.TokenState = accountslib.TokenStateUnknown
			a.RateLimitedUntil = 0
			a.LastFailedAt = 0
		})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("reset all accounts")
	},
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <username>...",
	Short: "Removes accounts from the store.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openAccounts()
		var removed []string
		for _, username := range args {
			ok, err := store.Delete(username)
			if err != nil {
				log.Fatal(err)
			}
			if ok {
				removed = append(removed, username)
			}
		}
		fmt.Printf("removed: %s\n", strings.Join(removed, ", "))
	},
}
