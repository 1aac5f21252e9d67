package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendergate/rendergate/internal/job"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print a job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fields, err := store.GetAll(ctx, args[0])
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("job %s not found", args[0])
		}
		j, err := job.FromFields(args[0], fields)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	},
}

func init() { rootCmd.AddCommand(statusCmd) }
