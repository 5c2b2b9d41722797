package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresmejia3/pulse/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <measurement_id> <name>",
	Short:       "Rename an archived measurement",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		name := strings.TrimSpace(args[1])
		if name == "" {
			utils.Die("Invalid measurement name", fmt.Errorf("name must not be empty"), nil)
		}
		runLabel(cmd.Context(), args[0], name)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id, name string) {
	// Database is initialized in Root PersistentPreRun
	if err := DB.RenameMeasurement(ctx, id, name); err != nil {
		utils.Die("Failed to label measurement", err, nil)
	}

	fmt.Printf("✅ Measurement %s labeled as '%s'\n", id, name)
}
