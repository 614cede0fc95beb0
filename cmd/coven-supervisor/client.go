// ABOUTME: ask and tools commands: talk to a running supervisor over its HTTP API
// ABOUTME: Prints turn responses, failure annotations and the tool registry with color

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/coven-supervisor/internal/api"
	"github.com/2389/coven-supervisor/internal/config"
	"github.com/2389/coven-supervisor/internal/turn"
)

const defaultAddr = "127.0.0.1:8090"

var (
	serverAddr string
	askSession string
	askActor   string
	askTimeout time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask [flags] TEXT",
	Short: "Send one request to a running supervisor",
	Long: `Send one request to a running supervisor and print the response.

Without --session a new session is started; its ID is printed so follow-up
questions can continue the conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsk(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools registered with a running supervisor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTools(cmd.Context(), cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "coven-supervisor version %s\n", version)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{askCmd, toolsCmd} {
		cmd.Flags().StringVar(&serverAddr, "addr", "", "supervisor HTTP address (default from config server.http_addr)")
	}
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "session ID to continue")
	askCmd.Flags().StringVar(&askActor, "actor", "", "actor ID whose long-term memory the session uses")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 2*time.Minute, "how long to wait for the response")
}

// baseURL resolves the supervisor address: --addr, then the config file, then the default.
func baseURL() string {
	addr := serverAddr
	if addr == "" {
		if cfg, err := config.Load(getConfigPath()); err == nil {
			addr = cfg.Server.HTTPAddr
		}
	}
	if addr == "" {
		addr = defaultAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func runAsk(ctx context.Context, out io.Writer, text string) error {
	sessionID := askSession
	if sessionID == "" {
		sessionID = uuid.New().String()
		color.New(color.FgHiBlack).Fprintf(out, "session: %s\n", sessionID)
	}

	body, err := json.Marshal(api.SubmitTurnRequest{Text: text, ActorID: askActor})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, askTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/sessions/%s/turns", baseURL(), sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderIdempotencyKey, uuid.New().String())

	var resp api.TurnResponse
	if err := doJSON(req, &resp); err != nil {
		return err
	}
	printTurn(out, &resp)
	if resp.Status == turn.StatusFailed {
		return fmt.Errorf("turn %s failed", resp.TurnID)
	}
	return nil
}

func printTurn(out io.Writer, resp *api.TurnResponse) {
	fmt.Fprintln(out, resp.Response)
	if len(resp.Failures) == 0 {
		return
	}
	fmt.Fprintln(out)
	yellow := color.New(color.FgYellow)
	for _, f := range resp.Failures {
		yellow.Fprint(out, "  ! ")
		fmt.Fprintf(out, "%s: %s\n", f.Specialist, f.Kind)
	}
}

func runTools(ctx context.Context, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL()+"/api/tools", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	var resp api.ToolsResponse
	if err := doJSON(req, &resp); err != nil {
		return err
	}

	if len(resp.Tools) == 0 {
		fmt.Fprintln(out, "No tools registered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tENDPOINT\tREMOTE\tDESCRIPTION")
	for _, t := range resp.Tools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Endpoint, t.Remote, truncate(t.Description, 60))
	}
	return w.Flush()
}

// doJSON performs the request and decodes a JSON body, turning API errors into Go errors.
func doJSON(req *http.Request, v any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting supervisor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("supervisor returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("supervisor returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
