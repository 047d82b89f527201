package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/voltgrid/chargeq/config"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running coordinator's health and status endpoints",
	RunE:  status,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "metrics address of the running service (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func status(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if !cfg.Metrics.PrometheusEnabled {
			return fmt.Errorf("metrics endpoint disabled, pass --addr")
		}
		addr = cfg.Metrics.PrometheusAddr
	}
	if addr == "" {
		return fmt.Errorf("no metrics address configured")
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/healthz", "/status"} {
		resp, err := client.Get("http://" + addr + path)
		if err != nil {
			return fmt.Errorf("query %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", path, resp.Status, body)
	}
	return nil
}
