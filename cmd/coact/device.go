package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/fentz26/coact/internal/controlplane"
	"github.com/fentz26/coact/internal/models"
	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage enrolled devices",
}

var deviceEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a device and print its token",
	RunE:  runDeviceEnroll,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE:  runDeviceList,
}

var deviceRefreshCmd = &cobra.Command{
	Use:   "refresh [device-id]",
	Short: "Issue a new device token",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRefresh,
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke [device-id]",
	Short: "Revoke every session of a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRevoke,
}

var (
	deviceName     string
	devicePlatform string
)

func init() {
	deviceCmd.AddCommand(deviceEnrollCmd, deviceListCmd, deviceRefreshCmd, deviceRevokeCmd)

	hostname, _ := os.Hostname()
	deviceEnrollCmd.Flags().StringVar(&deviceName, "name", hostname, "Device name")
	deviceEnrollCmd.Flags().StringVar(&devicePlatform, "platform", runtime.GOOS, "Device platform")
}

func printEnrollment(e *controlplane.Enrollment) {
	if e.Device != nil {
		fmt.Printf("Device:  %s (%s)\n", e.Device.ID, e.Device.Name)
	}
	fmt.Printf("Expires: %s\n", e.ExpiresAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Token:   %s\n", e.Token)
}

func runDeviceEnroll(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/v1/devices", map[string]string{
		"name":     deviceName,
		"platform": devicePlatform,
	}, nil)
	if err != nil {
		return err
	}

	var e controlplane.Enrollment
	if err := json.Unmarshal(resp, &e); err != nil {
		return err
	}
	printEnrollment(&e)
	return nil
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/v1/devices")
	if err != nil {
		return err
	}

	var devices []models.Device
	if err := json.Unmarshal(resp, &devices); err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices enrolled")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tSTATUS\tLAST SEEN")
	for _, d := range devices {
		lastSeen := "never"
		if d.LastSeen != nil {
			lastSeen = d.LastSeen.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, truncate(d.Name, 30), d.Platform, d.ConnectionStatus, lastSeen)
	}
	w.Flush()
	return nil
}

func runDeviceRefresh(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/v1/devices/"+url.PathEscape(args[0])+"/token/refresh", nil, nil)
	if err != nil {
		return err
	}

	var e controlplane.Enrollment
	if err := json.Unmarshal(resp, &e); err != nil {
		return err
	}
	printEnrollment(&e)
	return nil
}

func runDeviceRevoke(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/v1/devices/"+url.PathEscape(args[0])+"/revoke", nil, nil)
	if err != nil {
		return err
	}

	var result struct {
		RevokedSessions int `json:"revoked_sessions"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Revoked %d session(s) of device %s\n", result.RevokedSessions, args[0])
	return nil
}
