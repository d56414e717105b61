package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var healthURL string

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay ingress",
	Long:  `Check the relay ingress liveness endpoint over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: timeout}
		resp, err := client.Get(healthURL)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			fmt.Println("✓ Service is healthy")
			return nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("service unhealthy (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthURL, "url", "http://localhost:3000/healthz", "ingress health endpoint")
	rootCmd.AddCommand(healthCmd)
}
