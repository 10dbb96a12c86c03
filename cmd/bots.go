package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chatgate/pkg/config"
	"chatgate/pkg/store"
)

var botsTenant string

var botsCmd = &cobra.Command{
	Use:   "bots",
	Short: "Inspect configured bots",
}

var botsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bots in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return fmt.Errorf("no store path configured; bots list needs a persistent store")
		}

		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		bots, err := st.ListBots(context.Background(), botsTenant)
		if err != nil {
			return fmt.Errorf("list bots: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTENANT\tNAME\tPLATFORM\tSTATUS\tAUTOSTART")
		for _, bot := range bots {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
				bot.ID, bot.TenantID, bot.Name, bot.Platform, bot.Status, bot.AutoStart)
		}
		return w.Flush()
	},
}

func init() {
	botsListCmd.Flags().StringVar(&botsTenant, "tenant", "", "filter by tenant")
	botsCmd.AddCommand(botsListCmd)
	rootCmd.AddCommand(botsCmd)
}
