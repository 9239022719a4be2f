package cmd

import (
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs of a user",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		client := newClient(cmd)
		if client == nil {
			return
		}

		if user == "" {
			cmd.Println("Error: --user is required")
			return
		}

		runs, err := client.ListRuns(user, limit)
		if err != nil {
			printAPIError(cmd, "Request failed", err)
			return
		}

		if len(runs) == 0 {
			cmd.Println("No runs found")
			return
		}
		for _, r := range runs {
			cmd.Printf("%s  %-24s %-20s %3d links  %s\n", r.ID, colorizeStatus(r.Status), r.ClientName, r.LinkCount,
				r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
	},
}

func init() {
	runsCmd.Flags().StringP("user", "u", "", "User whose runs to list (required)")
	runsCmd.Flags().Int("limit", 20, "Maximum number of runs")

	rootCmd.AddCommand(runsCmd)
}
