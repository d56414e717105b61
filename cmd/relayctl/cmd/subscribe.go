package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var verifySubscription bool

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Attach this app to the page's feed webhook",
	Long: `Attach (or re-attach) this app to the configured page's feed field so
the page starts delivering webhook events to the relay ingress.

Subscribing is idempotent: re-running against an already-subscribed page
succeeds without side effects. With --verify the current subscriptions are
read back after the POST.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := graphClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := client.SubscribeApp(ctx); err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		fmt.Printf("✓ App subscribed to feed for page %s\n", client.PageID())

		if !verifySubscription {
			return nil
		}

		apps, err := client.ListSubscribedApps(ctx)
		if err != nil {
			return fmt.Errorf("list subscriptions failed: %w", err)
		}

		if outputJSON {
			printOutput(apps)
			return nil
		}
		if len(apps) == 0 {
			fmt.Println("No subscribed apps returned")
			return nil
		}
		for _, app := range apps {
			fmt.Printf("  %s (%s): %s\n", app.Name, app.ID, strings.Join(app.SubscribedFields, ", "))
		}
		return nil
	},
}

func init() {
	subscribeCmd.Flags().BoolVar(&verifySubscription, "verify", false, "read back subscriptions after subscribing")
	rootCmd.AddCommand(subscribeCmd)
}
