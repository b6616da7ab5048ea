package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	tokensCmd.AddCommand(tokensIssueCmd)
	tokensCmd.AddCommand(tokensListCmd)
	tokensCmd.AddCommand(tokensRevokeCmd)
	rootCmd.AddCommand(tokensCmd)
}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage downstream bearer tokens.",
}

var tokensIssueCmd = &cobra.Command{
	Use:   "issue <name>",
	Short: "Mints a bearer token for a downstream client.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token, err := openTokens().Issue(args[0])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token.Value)
	},
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "Prints every issued token.",
	Run: func(cmd *cobra.Command, args []string) {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Name", "Created", "Last used"})
		for _, token := range openTokens().List() {
			t.AppendRow(table.Row{
				token.ID,
				token.Name,
				formatMillis(token.CreatedAt),
				formatMillis(token.LastUsed),
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <id>...",
	Short: "Revokes issued tokens by id.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openTokens()
		for _, id := range args {
			ok, err := store.Revoke(id)
			if err != nil {
				log.Fatal(err)
			}
			if !ok {
				fmt.Printf("no such token: %s\n", id)
			}
		}
	},
}
