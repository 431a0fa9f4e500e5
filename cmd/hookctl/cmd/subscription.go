package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub", "subs"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create and manage the webhook subscriptions of a tenant.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new webhook subscription",
	Long: `Create a webhook subscription. The signing secret is printed once.

Example:
  hookctl -t tn_123 subscription create --name orders --url https://example.com/hook \
    --filter 'Assessment.*' --header 'X-Api-Key: abc' --retry-delays 10,60,300`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/subscriptions")
		if err != nil {
			return err
		}
		body, err := subscriptionBodyFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		var sub subscription
		if err := doRequest(cmd.Context(), http.MethodPost, path, body, &sub); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, sub)
			return nil
		}
		fmt.Fprintf(out, "Created subscription: %s\n", sub.ID)
		printSubscription(out, &sub)
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/subscriptions")
		if err != nil {
			return err
		}
		var list subscriptionList
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, list)
			return nil
		}
		if len(list.Subscriptions) == 0 {
			fmt.Fprintln(out, "No subscriptions found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tFILTER\tACTIVE\tFAILURES\tURL")
		for _, s := range list.Subscriptions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n", s.ID, s.Name, s.EventFilter, s.Active, s.ConsecutiveFailures, s.URL)
		}
		return tw.Flush()
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [subscription-id]",
	Short: "Show a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return subscriptionAction(cmd, http.MethodGet, "", args[0], nil)
	},
}

var updateSubscriptionCmd = &cobra.Command{
	Use:   "update [subscription-id]",
	Short: "Update a subscription",
	Long: `Update the given fields of a subscription. Flags that are not set keep
their current value.

Example:
  hookctl -t tn_123 subscription update sub_456 --filter '*' --regenerate-secret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := subscriptionBodyFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		body.RegenerateSecret, _ = cmd.Flags().GetBool("regenerate-secret")
		return subscriptionAction(cmd, http.MethodPatch, "", args[0], body)
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [subscription-id]",
	Short: "Delete a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/subscriptions/%s", args[0])
		if err != nil {
			return err
		}
		if err := doRequest(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription: %s\n", args[0])
		return nil
	},
}

var enableSubscriptionCmd = &cobra.Command{
	Use:   "enable [subscription-id]",
	Short: "Re-enable a subscription and reset its failure streak",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return subscriptionAction(cmd, http.MethodPost, "/enable", args[0], nil)
	},
}

var disableSubscriptionCmd = &cobra.Command{
	Use:   "disable [subscription-id]",
	Short: "Disable a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		var body any
		if reason != "" {
			body = map[string]string{"reason": reason}
		}
		return subscriptionAction(cmd, http.MethodPost, "/disable", args[0], body)
	},
}

var testSubscriptionCmd = &cobra.Command{
	Use:   "test [subscription-id]",
	Short: "Send a signed test delivery",
	Long: `Send a synthetic "test" event to the subscription's endpoint. Nothing is
recorded and the subscription's health counters are untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/subscriptions/%s/test", args[0])
		if err != nil {
			return err
		}
		var res testResult
		if err := doRequest(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
			return fmt.Errorf("failed to send test delivery: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, res)
			return nil
		}
		if res.Success {
			fmt.Fprintf(out, "Test delivery succeeded: HTTP %d in %dms\n", res.StatusCode, res.LatencyMS)
		} else {
			fmt.Fprintf(out, "Test delivery failed: HTTP %d in %dms\n", res.StatusCode, res.LatencyMS)
			if res.ErrorMessage != "" {
				fmt.Fprintf(out, "  Error: %s\n", res.ErrorMessage)
			}
		}
		if res.ResponseBody != "" {
			fmt.Fprintf(out, "  Response: %s\n", res.ResponseBody)
		}
		return nil
	},
}

// subscriptionAction runs a call that answers with one subscription.
func subscriptionAction(cmd *cobra.Command, method, suffix, id string, body any) error {
	path, err := tenantPath("/subscriptions/%s%s", id, suffix)
	if err != nil {
		return err
	}
	var sub subscription
	if err := doRequest(cmd.Context(), method, path, body, &sub); err != nil {
		return fmt.Errorf("%s failed: %w", cmd.Name(), err)
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		printOutput(out, sub)
		return nil
	}
	printSubscription(out, &sub)
	return nil
}

// subscriptionBodyFromFlags copies the flags the user set into a request body.
func subscriptionBodyFromFlags(flags *pflag.FlagSet) (*subscriptionBody, error) {
	b := &subscriptionBody{}
	str := func(name string) *string {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetString(name)
		return &v
	}
	num := func(name string) *int {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetInt(name)
		return &v
	}

	b.Name = str("name")
	b.Description = str("description")
	b.URL = str("url")
	b.ContentType = str("content-type")
	b.EventFilter = str("filter")
	b.TimeoutSeconds = num("timeout-seconds")
	b.MaxRetries = num("max-retries")
	b.DisableAfterFailures = num("disable-after")
	if flags.Changed("retry-delays") {
		delays, _ := flags.GetIntSlice("retry-delays")
		b.RetryDelaysSeconds = &delays
	}
	if flags.Changed("header") {
		raw, _ := flags.GetStringArray("header")
		h, err := parseHeaders(raw)
		if err != nil {
			return nil, err
		}
		b.Headers = &h
	}
	return b, nil
}

func addSubscriptionFlags(c *cobra.Command) {
	c.Flags().String("name", "", "display name")
	c.Flags().String("description", "", "free-form description")
	c.Flags().String("url", "", "endpoint URL (http or https)")
	c.Flags().String("content-type", "", "request content type (default application/json)")
	c.Flags().String("filter", "", "comma-separated event types, Prefix.* or *")
	c.Flags().StringArray("header", nil, "custom header 'Name: value' (repeatable)")
	c.Flags().Int("timeout-seconds", 0, "per-attempt timeout in seconds")
	c.Flags().IntSlice("retry-delays", nil, "retry delays in seconds, e.g. 10,60,300")
	c.Flags().Int("max-retries", 0, "maximum attempts per delivery")
	c.Flags().Int("disable-after", 0, "consecutive failed deliveries before auto-disable (0 never)")
}

func printSubscription(w io.Writer, s *subscription) {
	fmt.Fprintf(w, "  ID: %s\n", s.ID)
	fmt.Fprintf(w, "  Name: %s\n", s.Name)
	fmt.Fprintf(w, "  URL: %s\n", s.URL)
	fmt.Fprintf(w, "  Event Filter: %s\n", s.EventFilter)
	fmt.Fprintf(w, "  Active: %t\n", s.Active)
	if !s.Active && s.DisabledReason != "" {
		fmt.Fprintf(w, "  Disabled: %s (%s)\n", s.DisabledReason, formatTime(s.DisabledAt))
	}
	if s.Secret != "" {
		fmt.Fprintf(w, "  Secret: %s\n", s.Secret)
	}
	if s.Headers.Len() > 0 {
		names := make([]string, 0, s.Headers.Len())
		s.Headers.Each(func(name, _ string) { names = append(names, name) })
		fmt.Fprintf(w, "  Headers: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(w, "  Timeout: %ds, Max Retries: %d, Retry Delays: %v\n", s.TimeoutSeconds, s.MaxRetries, s.RetryDelaysSeconds)
	fmt.Fprintf(w, "  Deliveries: %d ok, %d failed, %d consecutive failures\n", s.SuccessCount, s.FailureCount, s.ConsecutiveFailures)
	if s.LastError != "" {
		fmt.Fprintf(w, "  Last Error: %s (%s)\n", s.LastError, formatTime(s.LastFailureAt))
	}
	fmt.Fprintf(w, "  Created: %s\n", s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd, listSubscriptionsCmd, getSubscriptionCmd,
		updateSubscriptionCmd, deleteSubscriptionCmd, enableSubscriptionCmd, disableSubscriptionCmd,
		testSubscriptionCmd)

	addSubscriptionFlags(createSubscriptionCmd)
	_ = createSubscriptionCmd.MarkFlagRequired("url")
	addSubscriptionFlags(updateSubscriptionCmd)
	updateSubscriptionCmd.Flags().Bool("regenerate-secret", false, "issue a new signing secret")
	disableSubscriptionCmd.Flags().String("reason", "", "reason recorded on the subscription")
}
