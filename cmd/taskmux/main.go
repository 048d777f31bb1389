package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/taskmux/pkg/backend"
	"github.com/zen-systems/taskmux/pkg/classify"
	"github.com/zen-systems/taskmux/pkg/config"
	"github.com/zen-systems/taskmux/pkg/dispatch"
	"github.com/zen-systems/taskmux/pkg/quota"
	"github.com/zen-systems/taskmux/pkg/route"
	"github.com/zen-systems/taskmux/pkg/store"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskmux",
		Short: "Quota-aware task dispatcher for coding agent CLIs",
		Long: `Taskmux classifies coding tasks, routes them to the most appropriate
	agent CLI based on category and complexity, and falls back down a ranked
	chain when a backend fails or runs out of daily quota.`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(backendsCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles everything one command invocation needs.
type runtime struct {
	cfg        *config.Config
	registry   *backend.Registry
	router     *route.Router
	dispatcher *dispatch.Dispatcher
	quota      *quota.Manager
	store      *store.Store
}

func (r *runtime) close() {
	if r.quota != nil {
		r.quota.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

func buildRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	rt := &runtime{cfg: cfg}

	rt.registry, err = cfg.BuildRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to create backends: %w", err)
	}

	seeds := cfg.SeedCredentials(time.Now().UTC())

	var mgrOpts []quota.ManagerOption
	var dispatchOpts []dispatch.Option
	if cfg.DBPath != "" {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		rt.store = st
		for _, c := range seeds {
			if err := st.SeedCredential(c.ID, c.Backend); err != nil {
				log.Printf("[taskmux] seed credential %s: %v", c.ID, err)
			}
		}
		mgrOpts = append(mgrOpts, quota.WithStore(st))
		dispatchOpts = append(dispatchOpts, dispatch.WithLedgerSink(st))
	}

	rt.quota = quota.NewManager(seeds, mgrOpts...)

	rt.router, err = route.NewRouter(cfg.Preferences(), rt.registry.Types())
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	rt.dispatcher, err = dispatch.New(rt.registry, rt.router, rt.quota, dispatchOpts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}

func dispatchCmd() *cobra.Command {
	var dirFlag string
	var timeoutFlag time.Duration
	var formatFlag string
	var filesFlag []string
	var categoryFlag string
	var securityFlag bool
	var filesAffectedFlag int
	var linesFlag int
	var dbFlag string
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "dispatch [description]",
		Short: "Classify, route, and execute one task",
		Long: `Dispatches a task described in plain language. The task is classified,
	routed to the preferred backend for its category and complexity, and
	executed with automatic fallback when the backend fails.

	Use --category to override classification and --security to force the
	task onto the designated security backend.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbFlag != "" {
				os.Setenv("TASKMUX_DB", dbFlag)
			}
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			task := dispatch.Task{
				Description:  args[0],
				WorkingDir:   dirFlag,
				Timeout:      timeoutFlag,
				ContextFiles: filesFlag,
				OutputFormat: backend.OutputFormat(formatFlag),
			}
			if task.Timeout == 0 {
				task.Timeout = rt.cfg.Timeout()
			}
			if categoryFlag != "" || securityFlag || filesAffectedFlag > 0 || linesFlag > 0 {
				hints := &classify.Hints{
					Category:         classify.Category(categoryFlag),
					SecurityCritical: securityFlag,
				}
				if filesAffectedFlag > 0 {
					hints.FilesAffected = &filesAffectedFlag
				}
				if linesFlag > 0 {
					hints.EstimatedLines = &linesFlag
				}
				task.Hints = hints
			}

			result, entry := rt.dispatcher.Dispatch(cmd.Context(), task)

			if jsonFlag {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entry)
			}

			fmt.Fprintf(os.Stderr, "%s\n", entry.Plan.Reason)
			if !result.Success {
				return fmt.Errorf("dispatch failed on %s: %s", result.Backend, result.Error)
			}
			fmt.Println(result.Output)
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "workdir", "", "working directory for the backend process")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "execution timeout (default from config)")
	cmd.Flags().StringVar(&formatFlag, "format", "text", "expected output format (text, json, markdown)")
	cmd.Flags().StringSliceVar(&filesFlag, "file", nil, "context file the task concerns (repeatable)")
	cmd.Flags().StringVar(&categoryFlag, "category", "", "override the classified category")
	cmd.Flags().BoolVar(&securityFlag, "security", false, "force the security backend")
	cmd.Flags().IntVar(&filesAffectedFlag, "files", 0, "hint: number of files the task touches")
	cmd.Flags().IntVar(&linesFlag, "lines", 0, "hint: estimated lines of change")
	cmd.Flags().StringVar(&dbFlag, "db", "", "override the database path")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the full ledger entry as JSON")

	return cmd
}

func batchCmd() *cobra.Command {
	var fileFlag string
	var parallelFlag int
	var timeoutFlag time.Duration

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Dispatch many tasks concurrently",
		Long: `Reads one task description per line from --file or stdin and dispatches
	them with bounded parallelism. Quota reservations keep concurrent tasks
	from oversubscribing any backend's daily limit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if fileFlag != "" {
				f, err := os.Open(fileFlag)
				if err != nil {
					return fmt.Errorf("open task file: %w", err)
				}
				defer f.Close()
				in = f
			}

			var tasks []string
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				tasks = append(tasks, line)
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read tasks: %w", err)
			}
			if len(tasks) == 0 {
				return fmt.Errorf("no tasks to dispatch")
			}

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			results := make([]dispatch.Outcome, len(tasks))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(parallelFlag)

			for i, desc := range tasks {
				i, desc := i, desc
				g.Go(func() error {
					task := dispatch.Task{Description: desc, Timeout: timeoutFlag}
					if task.Timeout == 0 {
						task.Timeout = rt.cfg.Timeout()
					}
					result, entry := rt.dispatcher.Dispatch(ctx, task)
					results[i] = entry.Outcome
					if !result.Success {
						log.Printf("[taskmux] task %d failed on %s: %s", i+1, result.Backend, result.Error)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			failed := 0
			for i, outcome := range results {
				fmt.Printf("%d\t%s\t%s\n", i+1, outcome, tasks[i])
				if outcome != dispatch.OutcomeSuccess {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(tasks))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&fileFlag, "file", "f", "", "file with one task per line (defaults to stdin)")
	cmd.Flags().IntVar(&parallelFlag, "parallel", 4, "maximum tasks in flight")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "per-task execution timeout")

	return cmd
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [description]",
		Short: "Show how a task would be classified and routed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			c := classify.Classify(args[0], nil)
			plan := rt.router.Route(c, rt.quota)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Category\t%s\n", c.Category)
			fmt.Fprintf(w, "Complexity\t%s\n", c.Complexity)
			fmt.Fprintf(w, "Security critical\t%t\n", c.SecurityCritical)
			fmt.Fprintf(w, "Confidence\t%.2f\n", c.Confidence)
			fmt.Fprintf(w, "Files affected\t%d\n", c.FilesAffected)
			fmt.Fprintf(w, "Estimated lines\t%d\n", c.EstimatedLines)
			fmt.Fprintf(w, "Primary\t%s\n", plan.Primary)
			fmt.Fprintf(w, "Fallbacks\t%s\n", joinTypes(plan.Fallbacks))
			fmt.Fprintf(w, "Reason\t%s\n", plan.Reason)
			return w.Flush()
		},
	}
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured backends and their availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			reg, err := cfg.BuildRegistry()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tCOMMAND\tSTATUS\tCOST")
			for _, bt := range reg.Types() {
				a, _ := reg.Get(bt)
				status := "missing"
				if a.IsAvailable() {
					status = "ready"
				}
				bc := cfg.Backends[string(bt)]
				command := bc.Command
				if command == "" {
					command = defaultCommand(bt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", bt, command, status, costSummary(bc))
			}
			return w.Flush()
		},
	}
}

func defaultCommand(bt backend.Type) string {
	switch bt {
	case backend.FastCLI:
		return "gemini"
	case backend.CodeCLI:
		return "claude"
	case backend.ReasoningCLI:
		return "codex"
	}
	return ""
}

func costSummary(bc config.BackendConfig) string {
	perReq := bc.CostPerRequest
	if perReq == 0 {
		perReq = 1
	}
	if bc.CostPer1K > 0 {
		return fmt.Sprintf("%.2f/req + %.3f/1k tokens", perReq, bc.CostPer1K)
	}
	return fmt.Sprintf("%.2f/req", perReq)
}

func quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show per-credential quota usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREDENTIAL\tBACKEND\tUSED\tLIMIT\tREMAINING\tRESETS")
			for _, c := range rt.quota.Credentials() {
				fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%.1f\t%s\n",
					c.ID, c.Backend, c.UsedToday, c.DailyLimit, c.Remaining(),
					c.ResetAt.Local().Format("2006-01-02 15:04"))
			}
			fmt.Fprintln(w)

			statuses := rt.quota.Snapshot()
			var backends []string
			for b := range statuses {
				backends = append(backends, b)
			}
			sort.Strings(backends)
			fmt.Fprintln(w, "BACKEND\tAVAILABLE\tREMAINING")
			for _, b := range backends {
				s := statuses[b]
				fmt.Fprintf(w, "%s\t%t\t%.1f\n", b, s.Available, s.Remaining)
			}
			return w.Flush()
		},
	}
}

func historyCmd() *cobra.Command {
	var limitFlag int
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent dispatch ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.DBPath == "" {
				return fmt.Errorf("no database configured; set db_path in the config file")
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			entries, err := st.RecentEntries(limitFlag)
			if err != nil {
				return err
			}

			if jsonFlag {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tOUTCOME\tCATEGORY\tBACKENDS\tTASK")
			for _, e := range entries {
				var backends []string
				for _, a := range e.Attempts {
					backends = append(backends, string(a.Backend))
				}
				task := e.Task
				if len(task) > 60 {
					task = task[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format("01-02 15:04"),
					e.Outcome, e.Classification.Category,
					strings.Join(backends, ">"), task)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limitFlag, "limit", 20, "maximum entries to show")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print entries as JSON")

	return cmd
}

func joinTypes(types []backend.Type) string {
	if len(types) == 0 {
		return "-"
	}
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
