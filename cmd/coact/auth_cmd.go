package main

import (
	"fmt"
	"time"

	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/config"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a user access token from the server config",
	Long: `Signs a user access token with the configured access secret. Run this on
a host holding the server config; hand the token to 'coact login'.`,
	RunE: runToken,
}

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Save a user access token for later commands",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove saved credentials",
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and login state",
	RunE:  runStatus,
}

var (
	tokenUser   string
	tokenTTL    time.Duration
	tokenConfig string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenConfig, "config", "coact.yaml", "Path to the server config")
	tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(tokenConfig)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(cfg.Auth.DeviceKeys, cfg.Auth.AccessSecret)
	if err != nil {
		return err
	}
	token, err := tokens.IssueUser(tokenUser, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	m, err := auth.NewManager()
	if err != nil {
		return err
	}
	creds, err := m.Login(apiAddr, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", creds.UserID)
	if creds.ExpiresAt > 0 {
		fmt.Printf("Expires: %s\n", time.Unix(creds.ExpiresAt, 0).Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	m, err := auth.NewManager()
	if err != nil {
		return err
	}
	if err := m.Logout(); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health != nil {
		fmt.Printf("Server:      %s\n", apiAddr)
		fmt.Printf("Node:        %s\n", health.NodeID)
		fmt.Printf("Version:     %s\n", health.Version)
		fmt.Printf("Database:    %s\n", health.DB)
		fmt.Printf("Redis:       %s\n", health.Redis)
		fmt.Printf("Connections: %d\n", health.Connections)
	}

	if m, merr := auth.NewManager(); merr == nil {
		if creds, cerr := m.Current(); cerr == nil {
			state := "valid"
			if !m.IsAuthenticated() {
				state = "expired"
			}
			fmt.Printf("Login:       %s (%s)\n", creds.UserID, state)
		} else {
			fmt.Println("Login:       not logged in")
		}
	}
	return err
}
