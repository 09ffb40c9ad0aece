package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/fentz26/coact/internal/ratelimit"
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands (require the admin token)",
}

var adminRateLimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Show connection rate limiter state",
	RunE:  runRateLimitShow,
}

var adminRateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear every block and connection attempt",
	RunE:  runRateLimitReset,
}

var adminToken string

func init() {
	adminCmd.PersistentFlags().StringVar(&adminToken, "admin-token", "", "Admin token (defaults to COACT_ADMIN_TOKEN)")
	adminRateLimitCmd.AddCommand(adminRateLimitResetCmd)
	adminCmd.AddCommand(adminRateLimitCmd)
}

func resolveAdminToken() (string, error) {
	if adminToken != "" {
		return adminToken, nil
	}
	if t := os.Getenv("COACT_ADMIN_TOKEN"); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("no admin token: pass --admin-token or set COACT_ADMIN_TOKEN")
}

func runRateLimitShow(cmd *cobra.Command, args []string) error {
	token, err := resolveAdminToken()
	if err != nil {
		return err
	}
	resp, err := apiDo(http.MethodGet, "/v1/admin/ratelimit", token, nil, nil)
	if err != nil {
		return err
	}

	var stats ratelimit.Stats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}
	fmt.Printf("Blocked IPs:      %d\n", stats.IPBlocks)
	fmt.Printf("Blocked devices:  %d\n", stats.DeviceBlocks)
	fmt.Printf("Tracked IPs:      %d\n", stats.TrackedIPs)
	fmt.Printf("Tracked devices:  %d\n", stats.TrackedDevices)
	return nil
}

func runRateLimitReset(cmd *cobra.Command, args []string) error {
	token, err := resolveAdminToken()
	if err != nil {
		return err
	}
	resp, err := apiDo(http.MethodPost, "/v1/admin/ratelimit/reset", token, nil, nil)
	if err != nil {
		return err
	}

	var reset ratelimit.ResetStats
	if err := json.Unmarshal(resp, &reset); err != nil {
		return err
	}
	fmt.Printf("Cleared %d IP block(s), %d device block(s), %d tracked attempt window(s)\n",
		reset.ClearedIPBlocks, reset.ClearedDeviceBlocks, reset.ClearedConnectionAttempts)
	return nil
}
