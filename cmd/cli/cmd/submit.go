package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"deckplane/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [link...]",
	Short: "Submit a batch of links for a client presentation",
	Long: `Submit listing links to the pipeline. Links come from the arguments and from
--file (one per line, "-" reads standard input). Blank lines are ignored.

With --wait the command follows the run and prints each status update until
the run finishes.

Example:
  deckctl submit --user 42 --client "Acme Corp" --file links.txt
  cat links.txt | deckctl submit --user 42 --client "Acme Corp" --file - --wait`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		user, _ := flags.GetString("user")
		clientName, _ := flags.GetString("client")
		file, _ := flags.GetString("file")
		wait, _ := flags.GetBool("wait")
		interval, _ := flags.GetDuration("interval")

		client := newClient(cmd)
		if client == nil {
			return
		}

		if user == "" {
			cmd.Println("Error: --user is required")
			return
		}

		if clientName == "" {
			cmd.Println("Error: --client is required")
			return
		}

		links := append([]string{}, args...)
		if file != "" {
			fromFile, err := readLinks(cmd, file)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return
			}
			links = append(links, fromFile...)
		}

		if len(links) == 0 {
			cmd.Println("Error: no links given")
			return
		}

		result, err := client.CreateRun(api.CreateRunRequest{
			UserID:     user,
			ClientName: clientName,
			Links:      links,
		})
		if err != nil {
			printAPIError(cmd, "Submit failed", err)
			return
		}

		cmd.Printf("✓ Run submitted!\nRun ID: %s\n", result.RunID)

		if wait {
			waitForRun(cmd, client, result.RunID, interval)
		}
	},
}

func readLinks(cmd *cobra.Command, path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open links file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var links []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			links = append(links, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}
	return links, nil
}

// waitForRun polls the run and prints events it has not printed yet, until the run is finished.
func waitForRun(cmd *cobra.Command, client *DeckClient, runID string, interval time.Duration) {
	var lastEvent int64
	for {
		run, err := client.GetRun(runID)
		if err != nil {
			printAPIError(cmd, "Status check failed", err)
			return
		}

		for _, e := range run.Events {
			if e.ID <= lastEvent {
				continue
			}
			lastEvent = e.ID
			cmd.Println(formatEvent(e))
		}

		if runFinished(run.Status) {
			cmd.Println()
			printStatus(cmd, *run)
			return
		}
		time.Sleep(interval)
	}
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("user", "u", "", "User the run is submitted for (required)")
	flags.StringP("client", "c", "", "Client name shown on the presentation (required)")
	flags.StringP("file", "f", "", "File with one link per line, - for stdin")
	flags.BoolP("wait", "w", false, "Follow the run until it finishes")
	flags.Duration("interval", 2*time.Second, "Polling interval for --wait")

	rootCmd.AddCommand(submitCmd)
}
