// ABOUTME: Admin CLI for grimoire services, modules and secrets
// ABOUTME: Talks to the admin HTTP API with a JWT bearer token

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/grimoire/internal/gateway"
)

const banner = `
            _                _                    _           _
  __ _ _ __(_)_ __ ___   ___ (_)_ __ ___    __ _  __| |_ __ ___ (_)_ __
 / _' | '__| | '_ ' _ \ / _ \| | '__/ _ \  / _' |/ _' | '_ ' _ \| | '_ \
| (_| | |  | | | | | | | (_) | | | |  __/ | (_| | (_| | | | | | | | | | |
 \__, |_|  |_|_| |_| |_|\___/|_|_|  \___|  \__,_|\__,_|_| |_| |_|_|_| |_|
 |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		baseURL: strings.TrimRight(getEnv("GRIMOIRE_URL", "http://localhost:8080"), "/"),
		token:   getToken(),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "services", "ls":
		err = cmdServices(c, args)
	case "show":
		err = cmdShow(c, args)
	case "publish":
		err = cmdPublish(c, args)
	case "start", "stop":
		err = cmdLifecycle(c, cmd, args)
	case "delete", "rm":
		err = cmdDelete(c, args)
	case "modules":
		err = cmdModules(c)
	case "import":
		err = cmdImport(c, args)
	case "secrets":
		err = cmdSecrets(c, args)
	case "secret-create":
		err = cmdSecretCreate(c, args)
	case "secret-revoke":
		err = cmdSecretRevoke(c, args)
	case "stats":
		err = cmdStats(c, args)
	case "logs":
		err = cmdLogs(c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: grimoire-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  services [--status S]            List services")
	fmt.Println("  show <service-id>                Show one service")
	fmt.Println("  publish --module ID [flags]      Publish a module as a service")
	fmt.Println("  start <service-id>               Start a stopped service")
	fmt.Println("  stop <service-id>                Stop a running service")
	fmt.Println("  delete <service-id>              Stop and delete a service")
	fmt.Println("  modules                          List imported modules")
	fmt.Println("  import NAME FILE                 Import a module source file")
	fmt.Println("  secrets <service-id>             List a service's secrets")
	fmt.Println("  secret-create <service-id>       Create a secret (key is shown once)")
	fmt.Println("  secret-revoke <secret-id>        Delete a secret")
	fmt.Println("  stats <secret-id>                Per-day usage for a secret")
	fmt.Println("  logs [--service ID] [--failed]   Recent access log entries")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  GRIMOIRE_URL     Server URL (default: http://localhost:8080)")
	fmt.Println("  GRIMOIRE_TOKEN   Admin API token (default: ~/.config/grimoire/token)")
	fmt.Println()
}

// client is a thin JSON client for the admin API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

// apiError is the error body returned by the admin API.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api"+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Message != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Message, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func cmdServices(c *client, args []string) error {
	fs := flag.NewFlagSet("services", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (running, stopped, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/services"
	if *status != "" {
		path += "?status=" + url.QueryEscape(*status)
	}
	var services []gateway.ServiceResponse
	if err := c.do(http.MethodGet, path, nil, &services); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Services")
	cyan.Println("  --------")
	if len(services) == 0 {
		fmt.Println("  (no services)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSTATUS\tPATH\tAUTH\tVISIBILITY")
	fmt.Fprintln(w, "  --\t----\t------\t----\t----\t----------")
	for _, s := range services {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%t\t%s\n",
			s.ID, truncate(s.Name, 24), colorStatus(s.Status), s.StreamPath, s.AuthRequired, s.Visibility)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "running":
		return color.GreenString(status)
	case "error":
		return color.RedString(status)
	default:
		return color.HiBlackString(status)
	}
}

func cmdShow(c *client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: grimoire-admin show <service-id>")
	}
	var s gateway.ServiceResponse
	if err := c.do(http.MethodGet, "/services/"+url.PathEscape(args[0]), nil, &s); err != nil {
		return err
	}
	printService(s)
	return nil
}

func printService(s gateway.ServiceResponse) {
	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  %s\n", s.Name)
	cyan.Println("  " + strings.Repeat("-", len(s.Name)))
	fmt.Printf("  ID:           %s\n", s.ID)
	fmt.Printf("  Status:       %s\n", colorStatus(s.Status))
	fmt.Printf("  Stream path:  %s\n", s.StreamPath)
	fmt.Printf("  Message path: %s\n", s.MessagePath)
	fmt.Printf("  Protocol:     %s\n", s.Protocol)
	fmt.Printf("  Auth:         %t\n", s.AuthRequired)
	fmt.Printf("  Visibility:   %s\n", s.Visibility)
	fmt.Printf("  Owner:        %s\n", s.OwnerID)
	if len(s.Tools) > 0 {
		fmt.Printf("  Tools:        %s\n", strings.Join(s.Tools, ", "))
	}
	if s.LastError != "" {
		color.Red("  Last error:   %s\n", s.LastError)
	}
	fmt.Println()
}

func cmdPublish(c *client, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	moduleID := fs.String("module", "", "module id (required)")
	name := fs.String("name", "", "service name (default module name)")
	path := fs.String("path", "", "custom stream path (default canonical)")
	protocol := fs.String("protocol", "", "sse or websocket")
	visibility := fs.String("visibility", "", "private or public")
	noAuth := fs.Bool("no-auth", false, "serve without access keys")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *moduleID == "" {
		return errors.New("--module is required")
	}

	req := gateway.PublishRequest{
		ModuleID:   *moduleID,
		Name:       *name,
		StreamPath: *path,
		Protocol:   *protocol,
		Visibility: *visibility,
	}
	if *noAuth {
		off := false
		req.AuthRequired = &off
	}

	var s gateway.ServiceResponse
	if err := c.do(http.MethodPost, "/services", req, &s); err != nil {
		return err
	}
	color.Green("  ✓ Published")
	printService(s)
	return nil
}

func cmdLifecycle(c *client, action string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: grimoire-admin %s <service-id>", action)
	}
	var s gateway.ServiceResponse
	if err := c.do(http.MethodPost, "/services/"+url.PathEscape(args[0])+"/"+action, nil, &s); err != nil {
		return err
	}
	color.Green("  ✓ %s is %s", s.Name, s.Status)
	return nil
}

func cmdDelete(c *client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: grimoire-admin delete <service-id>")
	}
	if err := c.do(http.MethodDelete, "/services/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	color.Green("  ✓ Deleted service %s", args[0])
	return nil
}

func cmdModules(c *client) error {
	var mods []gateway.ModuleResponse
	if err := c.do(http.MethodGet, "/modules", nil, &mods); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Modules")
	cyan.Println("  -------")
	if len(mods) == 0 {
		fmt.Println("  (no modules)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tOWNER\tDESCRIPTION")
	fmt.Fprintln(w, "  --\t----\t-----\t-----------")
	for _, m := range mods {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", m.ID, m.Name, m.OwnerID, truncate(m.Description, 40))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdImport(c *client, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	description := fs.String("description", "", "module description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: grimoire-admin import [--description TEXT] NAME FILE")
	}

	source, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("reading module source: %w", err)
	}

	var m gateway.ModuleResponse
	req := gateway.ModuleRequest{Name: fs.Arg(0), Description: *description, Source: string(source)}
	if err := c.do(http.MethodPost, "/modules", req, &m); err != nil {
		return err
	}
	color.Green("  ✓ Imported %s (%s)", m.Name, m.ID)
	if len(m.Tools) > 0 {
		fmt.Printf("  Tools: %s\n", strings.Join(m.Tools, ", "))
	}
	return nil
}

func cmdSecrets(c *client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: grimoire-admin secrets <service-id>")
	}
	var secrets []gateway.SecretResponse
	if err := c.do(http.MethodGet, "/services/"+url.PathEscape(args[0])+"/secrets", nil, &secrets); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Secrets")
	cyan.Println("  -------")
	if len(secrets) == 0 {
		fmt.Println("  (no secrets)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tKEY\tACTIVE\tLIMIT\tEXPIRES")
	fmt.Fprintln(w, "  --\t----\t---\t------\t-----\t-------")
	for _, s := range secrets {
		expires := "never"
		if s.ExpiresAt != nil {
			expires = *s.ExpiresAt
		}
		limit := "unlimited"
		if s.LimitCount > 0 {
			limit = strconv.FormatInt(s.LimitCount, 10) + "/day"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%t\t%s\t%s\n", s.ID, truncate(s.Name, 20), s.Key, s.Active, limit, expires)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdSecretCreate(c *client, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: grimoire-admin secret-create <service-id> [--name N] [--limit N] [--expires RFC3339]")
	}
	serviceID := args[0]

	fs := flag.NewFlagSet("secret-create", flag.ContinueOnError)
	name := fs.String("name", "", "secret name")
	limit := fs.Int64("limit", 0, "successful requests per day (0 for unlimited)")
	expires := fs.String("expires", "", "expiry time (RFC3339)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	req := gateway.CreateSecretRequest{Name: *name, LimitCount: *limit}
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("invalid --expires: %w", err)
		}
		req.ExpiresAt = &t
	}

	var s gateway.SecretResponse
	if err := c.do(http.MethodPost, "/services/"+url.PathEscape(serviceID)+"/secrets", req, &s); err != nil {
		return err
	}

	color.Green("  ✓ Created secret %s", s.ID)
	fmt.Println()
	color.New(color.FgYellow).Println("  Key (shown only once):")
	fmt.Printf("  %s\n\n", s.Key)
	return nil
}

func cmdSecretRevoke(c *client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: grimoire-admin secret-revoke <secret-id>")
	}
	if err := c.do(http.MethodDelete, "/secrets/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	color.Green("  ✓ Revoked secret %s", args[0])
	return nil
}

func cmdStats(c *client, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: grimoire-admin stats <secret-id> [--from YYYY-MM-DD] [--to YYYY-MM-DD]")
	}
	secretID := args[0]

	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	from := fs.String("from", "", "first day")
	to := fs.String("to", "", "last day")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	q := url.Values{}
	if *from != "" {
		q.Set("from", *from)
	}
	if *to != "" {
		q.Set("to", *to)
	}
	path := "/secrets/" + url.PathEscape(secretID) + "/stats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var st gateway.StatsResponse
	if err := c.do(http.MethodGet, path, nil, &st); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  Usage %s .. %s\n", st.From, st.To)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  DAY\tTOTAL\tSUCCESS\tERROR")
	for _, d := range st.Days {
		fmt.Fprintf(w, "  %s\t%d\t%d\t%d\n", d.Day, d.TotalCount, d.SuccessCount, d.ErrorCount)
	}
	fmt.Fprintf(w, "  total\t%d\t%d\t%d\n", st.TotalCount, st.SuccessCount, st.ErrorCount)
	w.Flush()
	fmt.Println()
	return nil
}

func cmdLogs(c *client, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	serviceID := fs.String("service", "", "service id")
	failed := fs.Bool("failed", false, "only denied requests")
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page-size", 50, "entries per page")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *serviceID != "" {
		q.Set("service_id", *serviceID)
	}
	if *failed {
		q.Set("success", "false")
	}
	q.Set("page", strconv.Itoa(*page))
	q.Set("page_size", strconv.Itoa(*pageSize))

	var logs gateway.LogsResponse
	if err := c.do(http.MethodGet, "/logs?"+q.Encode(), nil, &logs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tSERVICE\tCLIENT\tMETHOD\tPATH\tRESULT")
	for _, e := range logs.Logs {
		result := color.GreenString("ok")
		if !e.Success {
			result = color.RedString("%d", e.ErrorCode)
		}
		created := e.CreatedAt
		if t, err := time.Parse(time.RFC3339Nano, e.CreatedAt); err == nil {
			created = t.Local().Format("Jan 02 15:04:05")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			created, truncate(e.ServiceID, 12), e.ClientAddr, e.Method, truncate(e.Path, 40), result)
	}
	w.Flush()
	fmt.Printf("\n  page %d, %d of %d entries\n\n", logs.Page, len(logs.Logs), logs.Total)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the token from GRIMOIRE_TOKEN or the file written by "grimoire token".
func getToken() string {
	if token := os.Getenv("GRIMOIRE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "grimoire", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
