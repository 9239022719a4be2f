package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

const tokenMissing = "API token not found. Please set it using the --token flag or the DECKPLANE_TOKEN environment variable"

var rootCmd = &cobra.Command{
	Use:   "deckctl",
	Short: "Deckctl is a command line tool for the deckplane presentation pipeline",
	Long: `deckctl is the command-line interface for deckplane.

deckplane turns a batch of listing links into client presentations. Each run stages
the links into the shared data directory and executes the stage containers in order:
scrape, process, make presentation. A user has at most one run in progress.

Common workflows:

  Submit links for a client:
    deckctl submit --user 42 --client "Acme Corp" --file links.txt

  Submit and wait for the result:
    deckctl submit --user 42 --client "Acme Corp" --wait https://www.cian.ru/sale/flat/123456/

  Check a run:
    deckctl status <run-id>

  Stream container output:
    deckctl logs <run-id> --follow

  List and download presentations:
    deckctl outputs
    deckctl fetch <name> -o ./decks

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    DECKPLANE_URL      API endpoint (default: http://localhost:6161)
    DECKPLANE_TOKEN    API token for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".deckctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".deckctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "DECKPLANE_VARNAME"
	viper.SetEnvPrefix("DECKPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// newClient returns a client for the configured gateway, or nil after telling the user the token is missing.
func newClient(cmd *cobra.Command) *DeckClient {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println(tokenMissing)
		return nil
	}
	return NewDeckClient(viper.GetString("url"), token)
}

// printAPIError reports err prefixed with what failed.
func printAPIError(cmd *cobra.Command, what string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s (%d): %s\n", what, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s: %v\n", what, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deckctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "deckplane gateway URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API Token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
