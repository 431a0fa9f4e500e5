package cmd

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook delivery logs",
	Long:  `List the delivery logs of a subscription and show a single delivery in detail.`,
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list [subscription-id]",
	Short: "List a subscription's deliveries, newest first",
	Long: `List delivery logs for a subscription.

Example:
  hookctl -t tn_123 delivery list sub_456 --page 2 --page-size 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		if page < 0 || pageSize < 0 {
			return fmt.Errorf("page and page-size must not be negative")
		}
		path, err := tenantPath("/subscriptions/%s/deliveries?page=%d&page_size=%d", args[0], page, pageSize)
		if err != nil {
			return err
		}
		var list deliveryList
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, list)
			return nil
		}
		if len(list.Deliveries) == 0 {
			fmt.Fprintln(out, "No deliveries found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tEVENT\tSTATUS\tATTEMPTS\tHTTP\tCREATED")
		for _, d := range list.Deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", d.ID, d.EventType, d.Status,
				d.AttemptCount, d.MaxAttempts, httpStatus(d.ResponseStatus), formatTime(&d.CreatedAt))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Page %d\n", list.Page)
		return nil
	},
}

var getDeliveryCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show a delivery log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/deliveries/%s", args[0])
		if err != nil {
			return err
		}
		var d deliveryLog
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &d); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, d)
			return nil
		}
		fmt.Fprintf(out, "Delivery %s:\n", d.ID)
		fmt.Fprintf(out, "  Subscription ID: %s\n", d.SubscriptionID)
		fmt.Fprintf(out, "  Event: %s (%s)\n", d.EventType, d.EventID)
		fmt.Fprintf(out, "  Target: %s\n", d.TargetURL)
		fmt.Fprintf(out, "  Status: %s\n", d.Status)
		fmt.Fprintf(out, "  Attempts: %d/%d\n", d.AttemptCount, d.MaxAttempts)
		if d.ResponseStatus > 0 {
			fmt.Fprintf(out, "  HTTP Status: %d in %dms\n", d.ResponseStatus, d.ResponseTimeMS)
		}
		if d.ErrorMessage != "" {
			fmt.Fprintf(out, "  Error: %s\n", d.ErrorMessage)
		}
		if d.NextRetryAt != nil {
			fmt.Fprintf(out, "  Next Retry: %s\n", formatTime(d.NextRetryAt))
		}
		if d.DeliveredAt != nil {
			fmt.Fprintf(out, "  Delivered: %s\n", formatTime(d.DeliveredAt))
		}
		fmt.Fprintf(out, "  Created: %s\n", formatTime(&d.CreatedAt))
		return nil
	},
}

func httpStatus(code int) string {
	if code == 0 {
		return "-"
	}
	return fmt.Sprint(code)
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd, getDeliveryCmd)

	listDeliveriesCmd.Flags().Int("page", 1, "page number, starting at 1")
	listDeliveriesCmd.Flags().Int("page-size", 50, "deliveries per page")
}
