package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/inboxrank/internal/api"
	"github.com/kalambet/inboxrank/internal/classify"
	"github.com/kalambet/inboxrank/internal/config"
	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/ingest"
	"github.com/kalambet/inboxrank/internal/query"
	"github.com/kalambet/inboxrank/internal/rules"
	"github.com/kalambet/inboxrank/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.eml|dir|->...",
	Short: "Store emails and classify them",
	Long: `Store emails and classify them.

Sources are .eml files, directories searched for .eml files, or - for stdin.
With --json each source holds one JSON email record per line.

Examples:
  inboxrank ingest ~/Mail/inbox
  inboxrank ingest message.eml
  cat export.jsonl | inboxrank ingest --json -`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonl, _ := cmd.Flags().GetBool("json")
		noClassify, _ := cmd.Flags().GetBool("no-classify")
		remote, _ := cmd.Flags().GetBool("remote")

		var emails []email.Email
		for _, src := range args {
			got, err := readSource(src, jsonl, cmd.InOrStdin(), time.Now().UTC())
			if err != nil {
				return err
			}
			emails = append(emails, got...)
		}

		if remote {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return submitRemote(cmd.Context(), newAPIClient(cfg), emails)
		}

		a, err := openApp(cmd.Context(), !noClassify)
		if err != nil {
			return err
		}
		defer a.Close()

		var ids []string
		dup, invalid := 0, 0
		for _, e := range emails {
			if err := e.Validate(); err != nil {
				printWarning("skipping: %v", err)
				invalid++
				continue
			}
			inserted, err := a.store.InsertEmail(cmd.Context(), e)
			if err != nil {
				return fmt.Errorf("storing %s: %w", e.ID, err)
			}
			if !inserted {
				dup++
				continue
			}
			ids = append(ids, e.ID)
		}
		printSuccess("Stored %d emails (%d duplicates, %d invalid)", len(ids), dup, invalid)

		if noClassify || len(ids) == 0 {
			return nil
		}
		report, err := a.classifier.ClassifyBatch(cmd.Context(), ids, classify.TriggerIngest)
		printBatchReport(report)
		return err
	},
}

func init() {
	ingestCmd.Flags().Bool("json", false, "sources are JSON lines of email records")
	ingestCmd.Flags().Bool("no-classify", false, "store only; classify later with 'inboxrank classify'")
	ingestCmd.Flags().Bool("remote", false, "submit to the running server, which classifies in the background")
}

// submitRemote posts emails to a running server's queue.
func submitRemote(ctx context.Context, client *apiClient, emails []email.Email) error {
	queued, dup := 0, 0
	for _, e := range emails {
		resp, err := client.post(ctx, "/emails", e)
		if err != nil {
			return err
		}
		var sub ingest.Submission
		if err := decodeJSON(resp, &sub); err != nil {
			printWarning("%s: %v", e.ID, err)
			continue
		}
		if sub.Duplicate {
			dup++
		} else {
			queued++
		}
	}
	printSuccess("Queued %d emails (%d duplicates)", queued, dup)
	return nil
}

// readSource reads every email in src. fallback stamps messages without a Date.
func readSource(src string, jsonl bool, stdin io.Reader, fallback time.Time) ([]email.Email, error) {
	if src == "-" {
		if jsonl {
			return readJSONL(stdin)
		}
		e, err := email.ParseEML(stdin, fallback)
		if err != nil {
			return nil, fmt.Errorf("stdin: %w", err)
		}
		return []email.Email{e}, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return readFile(src, jsonl, fallback)
	}

	var out []email.Email
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if (jsonl && ext != ".jsonl" && ext != ".json") || (!jsonl && ext != ".eml") {
			return nil
		}
		got, err := readFile(path, jsonl, fallback)
		if err != nil {
			printWarning("skipping %s: %v", path, err)
			return nil
		}
		out = append(out, got...)
		return nil
	})
	return out, err
}

func readFile(path string, jsonl bool, fallback time.Time) ([]email.Email, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if jsonl {
		return readJSONL(f)
	}
	e, err := email.ParseEML(f, fallback)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []email.Email{e}, nil
}

func readJSONL(r io.Reader) ([]email.Email, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var out []email.Email
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e email.Email
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify [ids...]",
	Short: "Classify emails",
	Long: `Classify emails.

Without arguments every unclassified email is classified. With ids only those
are (re)classified; --all reclassifies everything, e.g. after a rules change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		noAI, _ := cmd.Flags().GetBool("no-ai")

		a, err := openApp(cmd.Context(), !noAI)
		if err != nil {
			return err
		}
		defer a.Close()

		var report classify.BatchReport
		switch {
		case all:
			report, err = a.classifier.Reclassify(cmd.Context(), nil)
		case len(args) > 0:
			report, err = a.classifier.ClassifyBatch(cmd.Context(), args, classify.TriggerManual)
		default:
			report, err = a.classifier.ClassifyPending(cmd.Context())
		}
		printBatchReport(report)
		return err
	},
}

func init() {
	classifyCmd.Flags().Bool("all", false, "reclassify every stored email")
	classifyCmd.Flags().Bool("no-ai", false, "classify with rules only")
}

func printBatchReport(r classify.BatchReport) {
	printStatus("Run", "%s", r.RunID)
	printStatus("Classified", "%d of %d", r.Classified, r.Total)
	printStatus("Unchanged", "%d", r.Unchanged)
	if r.Degraded > 0 {
		printStatus("Rule-only fallback", "%d", r.Degraded)
	}
	if r.Skipped > 0 {
		printStatus("Skipped", "%d", r.Skipped)
	}
	for _, f := range r.Failed {
		printError("%s: %s", f.EmailID, f.Error)
	}
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text...>",
	Short: "Search mail with a natural-language query",
	Long: `Search mail with a natural-language query in English or Chinese.

Examples:
  inboxrank query urgent emails from boss yesterday
  inboxrank query 最近的重要邮件
  inboxrank query --output json invoice #finance
  inboxrank query --interactive`,
	Args: func(cmd *cobra.Command, args []string) error {
		if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")
		explain, _ := cmd.Flags().GetBool("explain")
		interactive, _ := cmd.Flags().GetBool("interactive")

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		run := func(text string) error {
			resp, err := a.query.Query(cmd.Context(), text, limit)
			if err != nil {
				return err
			}
			if explain {
				printExplain(resp)
			}
			return writeResults(cmd.OutOrStdout(), resp, output)
		}
		if interactive {
			return queryLoop(cmd.Context(), cmd.InOrStdin(), os.Stderr, run)
		}
		return run(strings.Join(args, " "))
	},
}

func init() {
	queryCmd.Flags().Int("limit", 0, "maximum number of results (default from query.default_limit)")
	queryCmd.Flags().StringP("output", "o", "table", "output format: table, json or summary")
	queryCmd.Flags().Bool("explain", false, "print the recognized slots to stderr")
	queryCmd.Flags().BoolP("interactive", "i", false, "read queries line by line until EOF or 'quit'")
}

// queryLoop runs one query per input line. Blank lines are skipped; quit,
// exit and 退出 end the loop.
func queryLoop(ctx context.Context, in io.Reader, prompt io.Writer, run func(string) error) error {
	sc := bufio.NewScanner(in)
	fmt.Fprint(prompt, "query> ")
	for sc.Scan() {
		switch line := strings.TrimSpace(sc.Text()); line {
		case "":
		case "quit", "exit", "退出":
			return nil
		default:
			if err := run(line); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(prompt, "query> ")
	}
	return sc.Err()
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <prefix>",
	Short: "Suggest indexed search terms starting with a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		terms, err := a.index.Suggest(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if len(terms) == 0 {
			printWarning("No suggestions for %q", args[0])
			return nil
		}
		for _, t := range terms {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
		return nil
	},
}

func init() {
	suggestCmd.Flags().Int("limit", 10, "maximum number of suggestions")
}

func printExplain(resp query.Response) {
	printStatus("Mode", "%s", resp.Mode)
	f := resp.Filter
	if f.Range != nil {
		until := "now"
		if !f.Range.Until.IsZero() {
			until = f.Range.Until.Format(time.RFC3339)
		}
		printStatus("Time", "%q → %s .. %s", f.Range.Phrase, f.Range.Since.Format(time.RFC3339), until)
	}
	if len(f.Urgency) > 0 {
		printStatus("Urgency", "%v", f.Urgency)
	}
	if len(f.Importance) > 0 {
		printStatus("Importance", "%v", f.Importance)
	}
	if f.MinScore > 0 || f.MaxScore > 0 {
		printStatus("Score", "%d..%d", f.MinScore, f.MaxScore)
	}
	if f.Sender != "" {
		printStatus("Sender", "%s", f.Sender)
	}
	if len(f.Tags) > 0 {
		printStatus("Tags", "%s", strings.Join(f.Tags, ", "))
	}
	if len(f.Residue) > 0 {
		printStatus("Terms", "%s", strings.Join(f.Residue, " "))
	}
	printStatus("Elapsed", "%s", resp.Elapsed.Round(time.Microsecond))
}

// --- show / history ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an email and its classification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		detail, err := api.LoadDetail(cmd.Context(), a.store, args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("email %s not found", args[0])
		}
		if err != nil {
			return err
		}
		return writeJSONIndent(cmd.OutOrStdout(), detail)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "List prior classifications of an email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.store.GetEmail(cmd.Context(), args[0]); errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("email %s not found", args[0])
		}
		entries, err := a.store.ListHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No history.")
			return nil
		}
		for _, h := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  score %d  %s/%s  %s\n",
				colorize(colorCyan, h.RecordedAt.Local().Format("2006-01-02 15:04:05")),
				h.Prior.PriorityScore, h.Prior.Urgency, h.Prior.Importance, h.Reason)
		}
		return nil
	},
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage classification rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules, including built-in policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadRulesFromConfig()
		if err != nil {
			return err
		}
		rs := rules.Compile(f)
		for _, r := range rs.Rules {
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-14s priority %d\n", colorize(colorBold, r.ID), r.Type, r.Priority)
		}
		for _, d := range f.Rules {
			if !d.IsActive() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-14s (disabled)\n", d.ID, d.Type)
			}
		}
		for _, w := range rs.Warnings {
			printWarning("%s", w)
		}
		return nil
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a rules file for invalid rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			f   rules.File
			err error
		)
		if len(args) == 1 {
			f, err = rules.Load(args[0])
		} else {
			f, err = loadRulesFromConfig()
		}
		if err != nil {
			return err
		}
		rs := rules.Compile(f)
		for _, w := range rs.Warnings {
			printWarning("%s", w)
		}
		if len(rs.Warnings) > 0 {
			return fmt.Errorf("%d invalid rules", len(rs.Warnings))
		}
		printSuccess("%d rules compiled", len(rs.Rules))
		return nil
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <definition.yaml|->",
	Short: "Add a rule from a YAML definition",
	Long: `Add a rule from a YAML definition, for example:

  id: invoices
  type: keyword-match
  condition: {field: subject, op: contains, value: invoice}
  action: {urgency: high, tags: [finance]}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		var d rules.Definition
		if err := yaml.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("parsing definition: %w", err)
		}
		return editRules(func(f *rules.File) error { return f.Add(d) }, "Added rule %s", d.ID)
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editRules(func(f *rules.File) error { return f.SetActive(args[0], true) }, "Enabled rule %s", args[0])
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editRules(func(f *rules.File) error { return f.SetActive(args[0], false) }, "Disabled rule %s", args[0])
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editRules(func(f *rules.File) error { return f.Remove(args[0]) }, "Removed rule %s", args[0])
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd, rulesValidateCmd, rulesAddCmd, rulesEnableCmd, rulesDisableCmd, rulesRemoveCmd)
}

func loadRulesFromConfig() (rules.File, error) {
	cfg, err := config.Load()
	if err != nil {
		return rules.File{}, err
	}
	return loadRules(cfg)
}

// editRules applies fn to the configured rules file and saves it.
func editRules(fn func(f *rules.File) error, format string, args ...any) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	f, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return err
	}
	if err := fn(&f); err != nil {
		return err
	}
	if err := rules.Save(cfg.Rules.Path, f); err != nil {
		return err
	}
	printSuccess(format, args...)
	printStep("Run 'inboxrank classify --all' to apply the change to stored emails")
	printStep("A running 'inboxrank serve' reloads rules on SIGHUP")
	return nil
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, _ := cmd.Flags().GetBool("verify")

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if verify {
			r, err := a.index.VerifyAndRepair(cmd.Context())
			if err != nil {
				return err
			}
			if r.Consistent() {
				printSuccess("Index is consistent")
				return nil
			}
			printSuccess("Repaired %d documents (%d missing, %d stale, %d orphaned)",
				len(r.IDs()), len(r.Missing), len(r.Stale), len(r.Orphaned))
			return nil
		}

		n, err := a.index.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Indexed %d emails", n)
		return nil
	},
}

func init() {
	reindexCmd.Flags().Bool("verify", false, "only repair documents that are missing or out of date")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mailbox statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.store.Stats(cmd.Context(), 10)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSONIndent(cmd.OutOrStdout(), st)
		}
		printStats(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "print statistics as JSON")
}

func printStats(w io.Writer, st storage.Stats) {
	fmt.Fprintf(w, "%s %d (%d classified, %d indexed, %d history entries)\n",
		colorize(colorBold, "Emails:"), st.Emails, st.Classified, st.Indexed, st.HistoryEntries)
	if !st.Oldest.IsZero() {
		fmt.Fprintf(w, "%s %s .. %s\n", colorize(colorBold, "Received:"),
			st.Oldest.Local().Format("2006-01-02"), st.Newest.Local().Format("2006-01-02"))
	}

	fmt.Fprintln(w, colorize(colorBold, "Priority:"))
	for score := 5; score >= 1; score-- {
		n := st.ByPriority[score]
		fmt.Fprintf(w, "  %d  %5d  %s\n", score, n, bar(n, st.Classified, 30))
	}
	printCounts(w, "Urgency:", st.ByUrgency)
	printCounts(w, "Importance:", st.ByImportance)
	printCounts(w, "Source:", st.BySource)

	if len(st.TopSenders) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "Top senders:"))
		for _, s := range st.TopSenders {
			fmt.Fprintf(w, "  %5d  %s\n", s.Count, s.Sender)
		}
	}
}

func printCounts(w io.Writer, label string, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return m[keys[i]] > m[keys[j]] || (m[keys[i]] == m[keys[j]] && keys[i] < keys[j]) })

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, m[k])
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, label), strings.Join(parts, ", "))
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export emails with their classification as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		n, err := exportAll(cmd.Context(), a.store, w)
		if err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d emails to %s", n, output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")
}

func exportAll(ctx context.Context, store *storage.Store, w io.Writer) (int, error) {
	const pageSize = 200
	enc := json.NewEncoder(w)
	n := 0
	after := ""
	for {
		page, err := store.ListEmails(ctx, after, pageSize)
		if err != nil {
			return n, err
		}
		if len(page) == 0 {
			return n, nil
		}
		for _, e := range page {
			detail, err := api.LoadDetail(ctx, store, e.ID)
			if err != nil {
				return n, fmt.Errorf("exporting %s: %w", e.ID, err)
			}
			if err := enc.Encode(detail); err != nil {
				return n, err
			}
			n++
		}
		after = page[len(page)-1].ID
	}
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

		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

func writeJSONIndent(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
