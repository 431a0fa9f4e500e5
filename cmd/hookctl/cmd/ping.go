package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Signal Hook service",
	Long:  `Send a ping request to verify the ingest API is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Message string `json:"message"`
		}
		if err := doRequest(cmd.Context(), http.MethodGet, "/v1/ping", nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Pong! Service is running: %s\n", resp.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
