package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/kalambet/recall/internal/api"
	"github.com/kalambet/recall/internal/config"
	"github.com/kalambet/recall/internal/docimport"
)

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Store a record",
	Long: `Store a record for the owner.

Examples:
  recall add "Customer prefers email communication" --category preference
  recall add "Renewal is due in March" --meta source=crm --meta account=42`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		meta, _ := cmd.Flags().GetStringToString("meta")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"content": strings.Join(args, " ")}
		if category != "" {
			req["category"] = category
		}
		if len(meta) > 0 {
			req["metadata"] = meta
		}

		resp, err := client.post(cmd.Context(), client.ownerPath("/records"), req)
		if err != nil {
			return err
		}
		var rec api.RecordView
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		printSuccess("Stored record %s (%s)", rec.ID, rec.Category)
		return nil
	},
}

func init() {
	addCmd.Flags().String("category", "", "record category (default from records.default_category)")
	addCmd.Flags().StringToString("meta", nil, "metadata key=value, repeatable")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid keyword and semantic search",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		req := map[string]any{"query": strings.Join(args, " ")}
		if limit > 0 {
			req["limit"] = limit
		}
		// Weights are only sent when given so the server defaults apply otherwise.
		for _, name := range []string{"vector-weight", "text-weight"} {
			if cmd.Flags().Changed(name) {
				v, _ := cmd.Flags().GetFloat64(name)
				req[strings.ReplaceAll(name, "-", "_")] = v
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), client.ownerPath("/search"), req)
		if err != nil {
			return err
		}
		var res api.SearchResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		if res.Degraded {
			printWarning("results are degraded (%s)", res.DegradedReason)
		}
		if len(res.Results) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		for i, r := range res.Results {
			fmt.Fprintf(out, "\n%s [score: %.4f  vector: %.4f  bm25: %.4f]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.FinalScore, r.VectorScore, r.BM25Score)
			fmt.Fprintf(out, "  %s  %s\n", r.ID, r.Category)
			fmt.Fprintf(out, "  %s\n", truncate(r.Content, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default from retrieval.default_limit)")
	searchCmd.Flags().Float64("vector-weight", 0.7, "weight of semantic similarity")
	searchCmd.Flags().Float64("text-weight", 0.3, "weight of keyword relevance")
	searchCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), client.ownerPath("/records/"+url.PathEscape(args[0])))
		if err != nil {
			return err
		}
		err = expectStatus(resp, http.StatusNoContent)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			printWarning("record %s not found", args[0])
			return nil
		}
		if err != nil {
			return err
		}
		printSuccess("Deleted record %s", args[0])
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent records",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		if category != "" {
			q.Set("category", category)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), client.ownerPath("/records?"+q.Encode()))
		if err != nil {
			return err
		}
		var list api.RecordList
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(list.Records) == 0 {
			fmt.Fprintln(out, "No records.")
			return nil
		}
		for _, r := range list.Records {
			state := "pending"
			if r.Embedded {
				state = "embedded"
			}
			fmt.Fprintf(out, "%s  %-10s  %-8s  %s  %s\n",
				r.ID, r.Category, state, r.CreatedAt.Format("2006-01-02 15:04"), truncate(r.Content, 80))
		}
		fmt.Fprintf(out, "\n%d of %d records\n", len(list.Records), list.Total)
		return nil
	},
}

func init() {
	listCmd.Flags().String("category", "", "only list this category")
	listCmd.Flags().Int("limit", 20, "maximum number of records")
	listCmd.Flags().Int("offset", 0, "number of records to skip")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), client.ownerPath("/stats"))
		if err != nil {
			return err
		}
		var st api.StatsView
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Owner:    %s\n", client.owner)
		fmt.Fprintf(out, "Total:    %d\n", st.Total)
		fmt.Fprintf(out, "Embedded: %d\n", st.Embedded)
		fmt.Fprintf(out, "Pending:  %d\n", st.Pending)
		if st.LastUpdated != nil {
			fmt.Fprintf(out, "Updated:  %s\n", st.LastUpdated.Format("2006-01-02 15:04:05"))
		}
		for cat, n := range st.ByCategory {
			fmt.Fprintf(out, "  %-12s %d\n", cat, n)
		}
		return nil
	},
}

// --- reembed ---

var reembedCmd = &cobra.Command{
	Use:   "reembed <id>",
	Short: "Queue a fresh embedding for a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), client.ownerPath("/records/"+url.PathEscape(args[0])+"/embed"), nil)
		if err != nil {
			return err
		}
		if err := expectStatus(resp, http.StatusAccepted); err != nil {
			return err
		}
		printSuccess("Queued embedding for %s", args[0])
		return nil
	},
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Split a text, Markdown, HTML or PDF file into records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		size, _ := cmd.Flags().GetInt("chunk-size")
		overlap, _ := cmd.Flags().GetInt("overlap")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		doc, err := docimport.ExtractFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var stored atomic.Int32
		n, err := docimport.Import(cmd.Context(), doc, docimport.Chunker{Size: size, Overlap: overlap}, concurrency,
			func(ctx context.Context, ch docimport.Chunk) error {
				resp, err := client.post(ctx, client.ownerPath("/records"), map[string]any{
					"content":  ch.Text,
					"category": category,
					"metadata": ch.Metadata,
				})
				if err != nil {
					return err
				}
				if err := expectStatus(resp, http.StatusCreated); err != nil {
					return err
				}
				if done := stored.Add(1); done%10 == 0 {
					printStep("%d/%d chunks stored", done, ch.Total)
				}
				return nil
			})
		if err != nil {
			return fmt.Errorf("imported %d chunks before failing: %w", n, err)
		}

		printSuccess("Imported %s (%s) as %d records", doc.Name, doc.Format, n)
		return nil
	},
}

func init() {
	importCmd.Flags().String("category", "context", "category of the imported records")
	importCmd.Flags().Int("chunk-size", docimport.DefaultChunker.Size, "maximum characters per record")
	importCmd.Flags().Int("overlap", docimport.DefaultChunker.Overlap, "characters shared by consecutive records")
	importCmd.Flags().Int("concurrency", 4, "records stored in parallel")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "  %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if !slices.Contains(config.ValidKeys(), key) {
			return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(config.ValidKeys(), ", "))
		}
		if err := config.SetKey(key, value); err != nil {
			return err
		}

		for _, k := range config.ShowAll(config.Config{}) {
			if k.Key == key && k.Secret {
				printSuccess("Stored %s in the secret store", key)
				return nil
			}
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
