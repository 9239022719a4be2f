package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var follow bool

var logsCmd = &cobra.Command{
	Use:   "logs [run_id]",
	Short: "Stream container output for a run",
	Long: `Print the output of the stage containers of a run.

With --follow the command keeps polling until the run has finished and
every remaining line has been printed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		client := newClient(cmd)
		if client == nil {
			return
		}

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			if _, ok := <-sigChan; ok {
				os.Exit(0)
			}
		}()

		var lastID int64 = 0
		lastStage := 0
		finished := false

		for {
			newLogs, err := client.GetLogs(runID, lastID)
			if err != nil {
				printAPIError(cmd, "Error fetching logs", err)
				if !follow {
					break
				}
				time.Sleep(2 * time.Second) // Retry backoff
				continue
			}

			for _, log := range newLogs {
				if log.Stage != lastStage {
					cmd.Printf("%s── stage %d: %s (attempt %d) ──%s\n", colorDim, log.Stage, log.StageName, log.Attempt, colorReset)
					lastStage = log.Stage
				}
				cmd.Print(log.Content)
				if len(log.Content) > 0 && log.Content[len(log.Content)-1] != '\n' {
					cmd.Println()
				}

				if log.ID > lastID {
					lastID = log.ID
				}
			}

			if len(newLogs) > 0 {
				// Fetch the next page right away
				continue
			}
			if !follow || finished {
				break
			}

			// Caught up. Once the run is over, drain one more time and stop.
			run, err := client.GetRun(runID)
			if err == nil && runFinished(run.Status) {
				finished = true
				continue
			}
			time.Sleep(1 * time.Second)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the run finishes")
}
