// Package cli provides the ctl commands that drive a running Heimdall
// daemon over its REST API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// APIClient is a client for the daemon REST API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// NewCommands creates the ctl CLI commands.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running Heimdall daemon",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:7591", "API server URL")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "API authentication token")

	statusCmd := &cobra.Command{
		Use:   "status [connection]",
		Short: "Show connection and device status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			if len(args) == 1 {
				return client.ShowConnection(args[0])
			}
			return client.ShowStatus()
		},
	}

	connectCmd := &cobra.Command{
		Use:   "connect [connection]",
		Short: "Connect a VPN profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.Connect(args[0])
		},
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect [connection]",
		Short: "Disconnect a VPN profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.Disconnect(args[0])
		},
	}

	wakeCmd := &cobra.Command{
		Use:   "wake [device]",
		Short: "Send a wake-on-LAN packet to a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.Wake(args[0])
		},
	}

	// RDP commands
	rdpCmd := &cobra.Command{
		Use:   "rdp",
		Short: "Remote desktop commands",
	}

	rdpListCmd := &cobra.Command{
		Use:   "list",
		Short: "List RDP targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.ListRDPTargets()
		},
	}

	rdpLaunchCmd := &cobra.Command{
		Use:   "launch [target]",
		Short: "Launch an RDP session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.LaunchRDP(args[0])
		},
	}

	rdpCmd.AddCommand(rdpListCmd, rdpLaunchCmd)

	var eventsLimit int
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent orchestrator events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.ShowEvents(eventsLimit)
		},
	}
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 25, "maximum number of events to show")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.CheckHealth()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(apiURL, apiToken)
			return client.ShowVersion()
		},
	}

	root.AddCommand(statusCmd, connectCmd, disconnectCmd, wakeCmd, rdpCmd, eventsCmd, healthCmd, versionCmd)
	return root
}

func (c *APIClient) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.Client.Do(req)
}

func (c *APIClient) getJSON(path string, v interface{}) error {
	resp, err := c.doRequest("GET", path, nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

// ShowStatus displays all connections and devices.
func (c *APIClient) ShowStatus() error {
	var snap map[string]interface{}
	if err := c.getJSON("/api/v1/status", &snap); err != nil {
		return err
	}

	conns, _ := snap["connections"].([]interface{})
	if len(conns) == 0 {
		fmt.Println("No connections configured")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tPHASE\tUPTIME\tLOCAL IP\tTRAFFIC\tDETAIL")
		for _, item := range conns {
			cs, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%v\t%v\t%v\t%s\t%s\t%s\t%s\n",
				cs["name"], cs["kind"], cs["phase"],
				uptimeColumn(cs), localIPColumn(cs), trafficColumn(cs), detailColumn(cs))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	devices, _ := snap["devices"].([]interface{})
	if len(devices) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tMAC\tHOST\tSTATE\tLATENCY")
	for _, item := range devices {
		ds, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		device, _ := ds["device"].(map[string]interface{})
		state := "offline"
		if online, ok := ds["online"].(bool); ok && online {
			state = "online"
		}
		latency := "-"
		if lat, ok := ds["latency"].(float64); ok && lat > 0 {
			latency = time.Duration(lat).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%s\t%s\n",
			device["name"], device["mac"], device["host"], state, latency)
	}
	return w.Flush()
}

// ShowConnection displays one connection in detail.
func (c *APIClient) ShowConnection(ref string) error {
	var status map[string]interface{}
	if err := c.getJSON("/api/v1/connections/"+url.PathEscape(ref), &status); err != nil {
		return err
	}

	fmt.Printf("Name: %v\n", status["name"])
	fmt.Printf("Kind: %v\n", status["kind"])
	fmt.Printf("Phase: %v\n", status["phase"])
	fmt.Printf("Desired: %v\n", status["desired"])
	if up, ok := status["uptime"].(float64); ok && up > 0 {
		fmt.Printf("Uptime: %v\n", time.Duration(up).Round(time.Second))
	}
	if retrying, ok := status["retrying"].(bool); ok && retrying {
		fmt.Printf("Retry Attempt: %v\n", status["attempt"])
		if wait, ok := status["next_retry_in"].(float64); ok && wait > 0 {
			fmt.Printf("Next Retry In: %v\n", time.Duration(wait).Round(time.Second))
		}
	}
	if obs, ok := status["observed"].(map[string]interface{}); ok {
		fmt.Printf("Tunnel Up: %v\n", obs["up"])
		if ip, ok := obs["local_ip"].(string); ok && ip != "" {
			fmt.Printf("Local IP: %s\n", ip)
		}
		if ip, ok := obs["remote_ip"].(string); ok && ip != "" {
			fmt.Printf("Remote IP: %s\n", ip)
		}
		rx, _ := obs["rx_bytes"].(float64)
		tx, _ := obs["tx_bytes"].(float64)
		if rx > 0 || tx > 0 {
			fmt.Printf("Traffic: ↓%s ↑%s\n", formatBytes(rx), formatBytes(tx))
		}
		if msg, ok := obs["message"].(string); ok && msg != "" {
			fmt.Printf("Message: %s\n", msg)
		}
	}
	if errInfo, ok := status["error"].(map[string]interface{}); ok {
		fmt.Printf("Error: [%v] %v\n", errInfo["kind"], errInfo["message"])
	}
	return nil
}

// Connect queues a connect for the given connection.
func (c *APIClient) Connect(ref string) error {
	resp, err := c.doRequest("POST", "/api/v1/connections/"+url.PathEscape(ref)+"/connect", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("connect failed: %s - %s", resp.Status, string(body))
	}

	fmt.Printf("Connect queued: %s\n", ref)
	return nil
}

// Disconnect queues a disconnect for the given connection.
func (c *APIClient) Disconnect(ref string) error {
	resp, err := c.doRequest("POST", "/api/v1/connections/"+url.PathEscape(ref)+"/disconnect", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("disconnect failed: %s - %s", resp.Status, string(body))
	}

	fmt.Printf("Disconnect queued: %s\n", ref)
	return nil
}

// Wake sends a wake-on-LAN packet to the given device.
func (c *APIClient) Wake(ref string) error {
	resp, err := c.doRequest("POST", "/api/v1/devices/"+url.PathEscape(ref)+"/wake", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("wake failed: %s - %s", resp.Status, string(body))
	}

	fmt.Printf("Magic packet sent: %s\n", ref)
	return nil
}

// ListRDPTargets lists the configured RDP targets.
func (c *APIClient) ListRDPTargets() error {
	var targets []map[string]interface{}
	if err := c.getJSON("/api/v1/rdp", &targets); err != nil {
		return err
	}

	if len(targets) == 0 {
		fmt.Println("No RDP targets configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOST\tPORT\tUSERNAME")
	for _, target := range targets {
		port := target["port"]
		if port == nil {
			port = 3389
		}
		username := target["username"]
		if username == nil {
			username = "-"
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", target["name"], target["host"], port, username)
	}
	return w.Flush()
}

// LaunchRDP launches an RDP session for the given target.
func (c *APIClient) LaunchRDP(ref string) error {
	resp, err := c.doRequest("POST", "/api/v1/rdp/"+url.PathEscape(ref)+"/launch", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("launch failed: %s - %s", resp.Status, string(body))
	}

	fmt.Printf("RDP session launched: %s\n", ref)
	return nil
}

// ShowEvents lists recent orchestrator events, newest first.
func (c *APIClient) ShowEvents(limit int) error {
	path := "/api/v1/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp map[string]interface{}
	if err := c.getJSON(path, &resp); err != nil {
		return err
	}

	events, _ := resp["events"].([]interface{})
	if len(events) == 0 {
		fmt.Println("No events recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSUBJECT\tDETAIL")
	for _, item := range events {
		ev, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		subject := ev["name"]
		if subject == nil || subject == "" {
			subject = ev["subject"]
		}
		fmt.Fprintf(w, "%s\t%v\t%v\t%s\n", eventTimeColumn(ev), ev["type"], subject, eventDetailColumn(ev))
	}
	return w.Flush()
}

func eventTimeColumn(ev map[string]interface{}) string {
	ts, ok := ev["timestamp"].(string)
	if !ok {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04:05")
}

func eventDetailColumn(ev map[string]interface{}) string {
	switch ev["type"] {
	case "transition":
		detail := fmt.Sprintf("%v -> %v", ev["from"], ev["to"])
		if msg, ok := ev["error"].(string); ok && msg != "" {
			detail += " (" + msg + ")"
		}
		return detail
	case "command":
		detail, _ := ev["detail"].(string)
		return detail + " requested"
	case "wake":
		return "magic packet sent"
	case "rdp":
		return "session launched"
	}
	if detail, ok := ev["detail"].(string); ok {
		return detail
	}
	return ""
}

// CheckHealth checks daemon health.
func (c *APIClient) CheckHealth() error {
	var health map[string]interface{}
	if err := c.getJSON("/api/v1/health", &health); err != nil {
		return err
	}

	fmt.Printf("Health: %v\n", health["status"])
	return nil
}

// ShowVersion shows the running daemon's version.
func (c *APIClient) ShowVersion() error {
	var info map[string]interface{}
	if err := c.getJSON("/api/v1/version", &info); err != nil {
		return err
	}

	fmt.Printf("Version: %v\n", info["version"])
	fmt.Printf("Commit: %v\n", info["git_commit"])
	fmt.Printf("Built: %v\n", info["build_time"])
	fmt.Printf("Platform: %v\n", info["platform"])
	return nil
}

func uptimeColumn(cs map[string]interface{}) string {
	if up, ok := cs["uptime"].(float64); ok && up > 0 {
		return time.Duration(up).Round(time.Second).String()
	}
	return "-"
}

func localIPColumn(cs map[string]interface{}) string {
	if obs, ok := cs["observed"].(map[string]interface{}); ok {
		if ip, ok := obs["local_ip"].(string); ok && ip != "" {
			return ip
		}
	}
	return "-"
}

func trafficColumn(cs map[string]interface{}) string {
	obs, ok := cs["observed"].(map[string]interface{})
	if !ok {
		return "-"
	}
	rx, _ := obs["rx_bytes"].(float64)
	tx, _ := obs["tx_bytes"].(float64)
	if rx == 0 && tx == 0 {
		return "-"
	}
	return fmt.Sprintf("↓%s ↑%s", formatBytes(rx), formatBytes(tx))
}

func detailColumn(cs map[string]interface{}) string {
	if errInfo, ok := cs["error"].(map[string]interface{}); ok {
		if msg, ok := errInfo["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if retrying, ok := cs["retrying"].(bool); ok && retrying {
		attempt, _ := cs["attempt"].(float64)
		if wait, ok := cs["next_retry_in"].(float64); ok && wait > 0 {
			return fmt.Sprintf("retry %d in %s", int(attempt), time.Duration(wait).Round(time.Second))
		}
		return fmt.Sprintf("retry %d pending", int(attempt))
	}
	if obs, ok := cs["observed"].(map[string]interface{}); ok {
		if msg, ok := obs["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return ""
}

func formatBytes(n float64) string {
	const unit = 1024.0
	if n < unit {
		return fmt.Sprintf("%.0fB", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", n/div, "KMGTPE"[exp])
}
