package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Trigger webhook events",
}

var triggerCmd = &cobra.Command{
	Use:   "trigger [event-type] [payload-json]",
	Short: "Trigger an event and fan it out to matching subscriptions",
	Long: `Trigger an event for the tenant. Every active subscription whose filter
matches the event type gets one delivery.

Example:
  hookctl -t tn_123 event trigger Assessment.Completed '{"score":92}' --id evt_789`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := triggerBody{EventType: args[0]}
		body.EventID, _ = cmd.Flags().GetString("id")
		if len(args) == 2 {
			payload, err := parseJSON(args[1])
			if err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}
			body.Payload = payload
		}

		path, err := tenantPath("/events")
		if err != nil {
			return err
		}
		var res triggerResult
		if err := doRequest(cmd.Context(), http.MethodPost, path, body, &res); err != nil {
			return fmt.Errorf("failed to trigger event: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, res)
			return nil
		}
		fmt.Fprintf(out, "Triggered event: %s\n", res.EventID)
		fmt.Fprintf(out, "  Fanout count: %d\n", res.FanoutCount)
		for _, id := range res.DeliveryIDs {
			fmt.Fprintf(out, "  Delivery: %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().String("id", "", "event ID (generated when empty)")
}
