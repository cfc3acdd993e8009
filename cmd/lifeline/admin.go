package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lifeline/internal/config"
	"lifeline/internal/controller"
)

// The admin commands talk to a running relay: the stores are held open by
// the serving process.

var (
	adminAddr  string
	adminToken string
	forceSync  bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or clear pending actions",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print pending actions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodGet, "actions", nil)
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every pending action",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodDelete, "actions", nil)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Control the content cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the current cache version and reseed the core assets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "cache", map[string]any{"command": "clear"})
	},
}

var cacheUpdateCmd = &cobra.Command{
	Use:   "update URL...",
	Short: "Fetch and store the given pages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "cache", map[string]any{"command": "update", "urls": args})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "sync"
		if forceSync {
			path += "?force=1"
		}
		return adminCall(cmd, http.MethodPost, path, nil)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run one connectivity probe and print the connection state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "probe", nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the relay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodGet, "status", nil)
	},
}

func init() {
	for _, c := range []*cobra.Command{queueCmd, cacheCmd, syncCmd, probeCmd, statusCmd} {
		c.PersistentFlags().StringVar(&adminAddr, "addr", os.Getenv("LIFELINE_ADDR"), "relay base URL (default: localhost on the configured port)")
		c.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("LIFELINE_ADMIN_TOKEN"), "admin token (default: server.adminToken from the config)")
		rootCmd.AddCommand(c)
	}
	syncCmd.Flags().BoolVar(&forceSync, "force", false, "synchronize even on a poor or offline connection")
	queueCmd.AddCommand(queueListCmd, queueClearCmd)
	cacheCmd.AddCommand(cacheClearCmd, cacheUpdateCmd)
}

// adminTarget returns the relay base URL and the admin token to present.
func adminTarget() (base, token string, err error) {
	if adminAddr != "" {
		return strings.TrimRight(adminAddr, "/"), adminToken, nil
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return "", "", fmt.Errorf("load config: %w (or pass --addr)", err)
	}
	token = adminToken
	if token == "" {
		token = cfg.Server.AdminToken
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), token, nil
}

func adminCall(cmd *cobra.Command, method, path string, body any) error {
	base, token, err := adminTarget()
	if err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, base+controller.Prefix+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		out = pretty.Bytes()
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay answered %s", resp.Status)
	}
	return nil
}
