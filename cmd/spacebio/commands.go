package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/orbitdocs/spacebio/internal/config"
	"github.com/orbitdocs/spacebio/internal/extract"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask the assistant a question",
	Long: `Ask the assistant a question. The answer is streamed as it is generated.

Examples:
  spacebio ask "How do plants grow in microgravity?"
  spacebio ask --language fr --resource 12 "Quels sont les résultats ?"
  spacebio ask --session s-42 "yes"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		language, _ := cmd.Flags().GetString("language")
		resourceID, _ := cmd.Flags().GetInt("resource")
		session, _ := cmd.Flags().GetString("session")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		if language != "" && language != "en" && language != "fr" {
			return fmt.Errorf("--language must be en or fr")
		}

		req := map[string]any{"message": message}
		if language != "" {
			req["language"] = language
		}
		if resourceID > 0 {
			req["resourceId"] = resourceID
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		client.sessionID = session

		out := cmd.OutOrStdout()
		if noStream {
			resp, err := client.post(cmd.Context(), "/chat", req)
			if err != nil {
				return err
			}
			var reply struct {
				SessionID          string   `json:"sessionId"`
				Response           string   `json:"response"`
				Cached             bool     `json:"cached"`
				SuggestedQuestions []string `json:"suggested_questions"`
			}
			if err := decodeJSON(resp, &reply); err != nil {
				return err
			}
			fmt.Fprintln(out, reply.Response)
			printSuggestions(out, reply.SuggestedQuestions)
			printTurnFooter(reply.SessionID, reply.Cached)
			return nil
		}

		sessionID, err := client.streamChat(cmd.Context(), req, func(delta string) {
			fmt.Fprint(out, delta)
		})
		fmt.Fprintln(out)
		printTurnFooter(sessionID, false)
		return err
	},
}

func init() {
	askCmd.Flags().String("language", "", "answer language: en or fr")
	askCmd.Flags().Int("resource", 0, "resource id to ground the answer on")
	askCmd.Flags().String("session", "", "session id to continue a conversation")
	askCmd.Flags().Bool("no-stream", false, "wait for the full answer instead of streaming")
}

// --- resources ---

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Browse the curated resources",
}

type resourceItem struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

var resourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources, optionally filtered by a search query",
	RunE: func(cmd *cobra.Command, args []string) error {
		search, _ := cmd.Flags().GetString("search")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		path := "/resources"
		if search != "" {
			path += "?search=" + url.QueryEscape(search)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Data []resourceItem `json:"data"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), body.Data)
		}
		out := cmd.OutOrStdout()
		if len(body.Data) == 0 {
			fmt.Fprintln(out, "No resources found.")
			return nil
		}
		for _, r := range body.Data {
			printResourceRow(out, r)
		}
		return nil
	},
}

var resourcesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a resource as plain text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		refresh, _ := cmd.Flags().GetBool("refresh")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/resources/%d", id)
		if refresh {
			path += "?refresh=1"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Data struct {
				resourceItem
				Content string `json:"content"`
			} `json:"data"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printResourceHeading(out, body.Data.Title, body.Data.URL)
		fmt.Fprintln(out, extract.PlainText(body.Data.Content, body.Data.URL))
		return nil
	},
}

var resourcesSummaryCmd = &cobra.Command{
	Use:   "summary <id>",
	Short: "Summarize a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/resources/%d/summary", id))
		if err != nil {
			return err
		}
		var body struct {
			Summary string `json:"summary"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), extract.PlainText(body.Summary, ""))
		return nil
	},
}

var resourcesPrefetchCmd = &cobra.Command{
	Use:   "prefetch <id>",
	Short: "Queue a background fetch of a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), fmt.Sprintf("/resources/%d/prefetch", id), nil)
		if err != nil {
			return err
		}
		var result struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printNotice(noticeOK, "Prefetch job %s (%s)", result.ID, result.Status)
		return nil
	},
}

func init() {
	resourcesListCmd.Flags().String("search", "", "keyword query")
	resourcesListCmd.Flags().Bool("json", false, "print the raw JSON list")
	resourcesShowCmd.Flags().Bool("refresh", false, "drop cached content and fetch again")
	resourcesCmd.AddCommand(resourcesListCmd)
	resourcesCmd.AddCommand(resourcesShowCmd)
	resourcesCmd.AddCommand(resourcesSummaryCmd)
	resourcesCmd.AddCommand(resourcesPrefetchCmd)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect conversation sessions",
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "List the logged turns of a session, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/sessions/%s/interactions?limit=%d", url.PathEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Data []struct {
				CreatedAt string `json:"createdAt"`
				Message   string `json:"message"`
				Status    string `json:"status"`
				Cached    bool   `json:"cached"`
			} `json:"data"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(body.Data) == 0 {
			fmt.Fprintln(out, "No interactions found.")
			return nil
		}
		for _, ix := range body.Data {
			fmt.Fprintf(out, "%s  %-16s  %s\n", ix.CreatedAt, interactionLabel(ix.Status, ix.Cached), truncateRunes(ix.Message, 80))
		}
		return nil
	},
}

func init() {
	sessionHistoryCmd.Flags().Int("limit", 20, "maximum number of turns to list")
	sessionCmd.AddCommand(sessionHistoryCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List every recognised environment variable with its default",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Usage(cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Validate and show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		key := "not set"
		if cfg.Gemini.APIKey != "" {
			key = "set"
		}
		printField("Env", "%s", cfg.AppEnv)
		printField("Listen", "%s", cfg.Server.Addr)
		printField("Data dir", "%s", cfg.Storage.DataDir)
		printField("Resources", "%s", cfg.Resources.File)
		printField("Cache", "%s", cfg.Cache.Backend)
		printField("Model", "%s", cfg.Gemini.Model)
		printField("API key", "%s", key)
		if cfg.Gemini.APIKey == "" {
			printNotice(noticeWarn, "generated answers are disabled until SPACEBIO_GEMINI_API_KEY is set")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configEnvCmd)
	configCmd.AddCommand(configShowCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the API server is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printField("Server", "stopped")
			return nil
		}
		var body struct {
			Status    string `json:"status"`
			Resources int    `json:"resources"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			printField("Server", "unhealthy (%v)", err)
			return nil
		}
		printField("Server", "%s at %s", body.Status, client.baseURL)
		printField("Resources", "%d", body.Resources)
		return nil
	},
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid resource id %q", s)
	}
	return id, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
