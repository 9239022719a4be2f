package cmd

import (
	"fmt"
	"time"

	"deckplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status information for a run, including its current state (pending, running, succeeded, failed), the stage that failed, produced presentations and the status updates sent so far.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(cmd)
		if client == nil {
			return
		}

		run, err := client.GetRun(args[0])
		if err != nil {
			printAPIError(cmd, "Request failed", err)
			return
		}

		printStatus(cmd, *run)
	},
}

func printStatus(cmd *cobra.Command, run api.RunResponse) {
	// Header with status icon
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sUser:%s        %s\n", colorDim, colorReset, run.UserID)
	cmd.Printf("%sClient:%s      %s\n", colorDim, colorReset, run.ClientName)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))
	cmd.Printf("%sLinks:%s       %d\n", colorDim, colorReset, run.LinkCount)

	if run.FailedStage > 0 {
		cmd.Printf("%sStage:%s       %s%d%s\n", colorDim, colorReset, colorRed, run.FailedStage, colorReset)
	}
	if run.Error != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *run.Error, colorReset)
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	// Duration if both times available
	if run.StartedAt != nil && run.FinishedAt != nil {
		duration := run.FinishedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.FinishedAt))
	}

	if len(run.Artifacts) > 0 {
		cmd.Printf("\n%sPresentations:%s\n", colorBold, colorReset)
		for _, a := range run.Artifacts {
			if a.URL != "" {
				cmd.Printf("  %s (%s)\n    %s\n", a.Name, formatSize(a.Size), a.URL)
			} else {
				cmd.Printf("  %s (%s)\n", a.Name, formatSize(a.Size))
			}
		}
	}

	if len(run.Events) > 0 {
		cmd.Printf("\n%sUpdates:%s\n", colorBold, colorReset)
		for _, e := range run.Events {
			cmd.Printf("  %s\n", formatEvent(e))
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func runFinished(status string) bool {
	return status == "succeeded" || status == "failed"
}

func statusIcon(status string) string {
	switch status {
	case "succeeded":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "succeeded":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatEvent(e api.RunEvent) string {
	line := fmt.Sprintf("%s%s%s  %s", colorDim, e.CreatedAt.Local().Format("15:04:05"), colorReset, e.Text)
	if e.Detail != "" {
		line += "\n" + colorRed + e.Detail + colorReset
	}
	return line
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
