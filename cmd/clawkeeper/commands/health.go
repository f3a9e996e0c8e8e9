package commands

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `clawkeeper health` command. Used by Docker
// HEALTHCHECK and monitoring: it queries the gateway's /health endpoint.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running clawkeeper daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Gateway.Enabled {
				return fmt.Errorf("gateway is disabled, health endpoint unavailable")
			}

			addr := cfg.Gateway.Address
			if host, port, splitErr := net.SplitHostPort(addr); splitErr == nil && host == "" {
				addr = net.JoinHostPort("127.0.0.1", port)
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check returned %d: %s", resp.StatusCode, string(body))
			}
			fmt.Println(string(body))
			return nil
		},
	}
}
