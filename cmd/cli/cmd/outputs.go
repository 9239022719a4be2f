package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List produced presentations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(cmd)
		if client == nil {
			return
		}

		files, err := client.ListOutputs()
		if err != nil {
			printAPIError(cmd, "Request failed", err)
			return
		}

		if len(files) == 0 {
			cmd.Println("No presentations yet")
			return
		}
		for _, f := range files {
			cmd.Printf("%-48s %10s  %s\n", f.Name, formatSize(f.Size), f.ModTime.Local().Format("2006-01-02 15:04"))
		}
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [name]",
	Short: "Download a produced presentation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		dir, _ := cmd.Flags().GetString("output")

		client := newClient(cmd)
		if client == nil {
			return
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		dest := filepath.Join(dir, filepath.Base(name))
		n, err := download(client, name, dest)
		if err != nil {
			printAPIError(cmd, "Download failed", err)
			return
		}

		cmd.Printf("✓ Saved %s (%s)\n", dest, formatSize(n))
	},
}

// download writes the output to a temporary file next to dest and renames it on success.
func download(client *DeckClient, name, dest string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".deckctl-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := client.DownloadOutput(name, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), dest)
}

func init() {
	fetchCmd.Flags().StringP("output", "o", ".", "Directory to save the file in")

	rootCmd.AddCommand(outputsCmd)
	rootCmd.AddCommand(fetchCmd)
}
