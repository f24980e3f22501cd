// ABOUTME: HTTP client commands that talk to a running gateway
// ABOUTME: Implements health, sessions, export and import subcommands

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/waypost/internal/config"
	"github.com/2389/waypost/internal/gateway"
	"github.com/2389/waypost/internal/session"
	"github.com/2389/waypost/internal/transfer"
)

// apiClient calls the gateway's HTTP API with the caller's credentials.
type apiClient struct {
	baseURL string
	token   string
	apiKey  string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	baseURL := os.Getenv("WAYPOST_URL")
	if baseURL == "" {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		baseURL = "http://" + cfg.Server.HTTPAddr
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   getToken(),
		apiKey:  os.Getenv("WAYPOST_API_KEY"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// getToken returns the JWT from WAYPOST_TOKEN or the token file written by "waypost token".
func getToken() string {
	if token := os.Getenv("WAYPOST_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(filepath.Join(getConfigDir(), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// do sends a request and decodes a 2xx JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	} else if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if err := client.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	var agg gateway.AggregateHealthResponse
	if err := client.do(ctx, http.MethodGet, "/api/sessions/health", nil, &agg); err != nil {
		return fmt.Errorf("session health: %w", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	if agg.OverallHealthy {
		green.Print("healthy")
	} else {
		red.Print("unhealthy")
	}
	fmt.Printf(" (%d/%d sessions healthy, %d ready, %d stale)\n",
		agg.Summary.Healthy, agg.Summary.Total, agg.Summary.Ready, agg.Summary.Stale)

	if !agg.OverallHealthy {
		return fmt.Errorf("gateway unhealthy")
	}
	return nil
}

func runSessions(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var sessions []session.Info
	if err := client.do(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := color.New(color.FgCyan, color.Bold)
	header.Fprintln(w, "ID\tSTATUS\tREADY\tUPTIME\tLAST ACTIVITY\tERROR")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			truncate(s.ID, 32),
			s.Status,
			s.Ready,
			(time.Duration(s.UptimeSeconds) * time.Second).String(),
			s.LastActivity.Local().Format("Jan 02 15:04:05"),
			truncate(s.Error, 40),
		)
	}
	return w.Flush()
}

func runExport(ctx context.Context, args []string) error {
	var id, output string
	includeCache := true

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--no-cache":
			includeCache = false
		case arg == "-o" || arg == "--output":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			output = args[i+1]
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case id == "":
			id = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if id == "" {
		return fmt.Errorf("usage: waypost export ID [--no-cache] [-o FILE]")
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	path := "/api/sessions/" + url.PathEscape(id) + "/export"
	if !includeCache {
		path += "?cache=false"
	}

	var doc transfer.Document
	if err := client.do(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return fmt.Errorf("exporting %s: %w", id, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}

	if output == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}

	// export holds session credentials
	if err := os.WriteFile(output, data, 0600); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Exported %s (%d auth files, %d cache files) to %s\n",
		doc.SessionID, len(doc.Auth), len(doc.Cache), output)
	return nil
}

func runImport(ctx context.Context, args []string) error {
	var file, newID string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--id":
			if i+1 >= len(args) {
				return fmt.Errorf("--id requires a value")
			}
			newID = args[i+1]
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case file == "":
			file = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if file == "" {
		return fmt.Errorf("usage: waypost import FILE [--id NEW_ID]")
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}

	var doc transfer.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", file, err)
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	req := gateway.ImportRequest{Document: doc, NewSessionID: newID}

	var resp gateway.SessionResponse
	if err := client.do(ctx, http.MethodPost, "/api/sessions/import", req, &resp); err != nil {
		return fmt.Errorf("importing: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Imported session %s", resp.ID)
	fmt.Printf(" (status %s)\n", resp.Session.Status)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
