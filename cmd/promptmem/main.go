package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lunarch/promptmem/internal/compress"
	"github.com/lunarch/promptmem/internal/config"
	"github.com/lunarch/promptmem/internal/inject"
	"github.com/lunarch/promptmem/internal/maintenance"
	"github.com/lunarch/promptmem/internal/memstore"
	"github.com/lunarch/promptmem/internal/ollama"
	"github.com/lunarch/promptmem/internal/retrieval"
	"github.com/lunarch/promptmem/internal/session"
	"github.com/lunarch/promptmem/internal/tokens"
)

// Options carries injectable dependencies so command handlers are testable
// without a home directory or a running service.
type Options struct {
	ConfigDir string
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
}

func (o Options) fill() Options {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

func (o Options) loadConfig() (*config.Config, error) {
	if o.ConfigDir != "" {
		return config.LoadFrom(o.ConfigDir)
	}
	return config.Load()
}

var rootCmd = &cobra.Command{
	Use:   "promptmem",
	Short: "promptmem - context and memory for token-budgeted prompts",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config, service availability, and store stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(Options{})
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage conversation sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionList(Options{}, agentTagFlag)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's conversation and stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionShow(Options{}, args[0])
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionDelete(Options{}, args[0])
	},
}

var sessionSearchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Find sessions mentioning a keyword",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionSearch(Options{}, args[0], agentTagFlag)
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Clear a session's history, keeping its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionClear(Options{}, args[0])
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and manage long-term memory",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a memory record",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemoryAdd(Options{}, typeFlag, strings.Join(args, " "))
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemorySearch(Options{}, strings.Join(args, " "), typeFlag, limitFlag)
	},
}

var memoryRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the newest memory records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemoryRecent(Options{}, typeFlag, limitFlag)
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemoryDelete(Options{}, args[0])
	},
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemoryStats(Options{})
	},
}

var injectCmd = &cobra.Command{
	Use:   "inject <query>",
	Short: "Render a memory injection block for a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInject(Options{}, strings.Join(args, " "), targetFlag, maxTokensFlag)
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Compress stdin to fit a target's token budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(Options{}, targetFlag)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the maintenance sweep (or schedule it with --daemon)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(Options{}, daemonFlag)
	},
}

var (
	agentTagFlag  string
	typeFlag      string
	limitFlag     int
	targetFlag    string
	maxTokensFlag int
	daemonFlag    bool
)

func init() {
	sessionListCmd.Flags().StringVarP(&agentTagFlag, "agent", "a", "", "Filter by agent tag")
	sessionSearchCmd.Flags().StringVarP(&agentTagFlag, "agent", "a", "", "Filter by agent tag")
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionDeleteCmd, sessionSearchCmd, sessionClearCmd)

	memoryAddCmd.Flags().StringVarP(&typeFlag, "type", "t", memstore.TypeContext, "Record type")
	memorySearchCmd.Flags().StringVarP(&typeFlag, "type", "t", "", "Filter by record type")
	memorySearchCmd.Flags().IntVarP(&limitFlag, "limit", "n", 10, "Max results")
	memoryRecentCmd.Flags().StringVarP(&typeFlag, "type", "t", "", "Filter by record type")
	memoryRecentCmd.Flags().IntVarP(&limitFlag, "limit", "n", 10, "Max results")
	memoryCmd.AddCommand(memoryAddCmd, memorySearchCmd, memoryRecentCmd, memoryDeleteCmd, memoryStatsCmd)

	injectCmd.Flags().StringVarP(&targetFlag, "target", "t", "", "Target agent (picks the dialect)")
	injectCmd.Flags().IntVar(&maxTokensFlag, "max-tokens", 0, "Token ceiling for the block")
	compressCmd.Flags().StringVarP(&targetFlag, "target", "t", "", "Target whose budget applies")
	sweepCmd.Flags().BoolVar(&daemonFlag, "daemon", false, "Keep running on the configured schedule")

	rootCmd.AddCommand(statusCmd, sessionCmd, memoryCmd, injectCmd, compressCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serviceClient(cfg *config.Config) *ollama.Client {
	return ollama.NewClient(cfg.Provider.BaseURL)
}

func summarizer(cfg *config.Config) *compress.Compressor {
	return compress.New(serviceClient(cfg), cfg.Provider.SummarizeModel)
}

func openSessions(cfg *config.Config) (*session.Store, error) {
	return session.NewStore(cfg.Session.Dir, summarizer(cfg))
}

func openMemories(ctx context.Context, cfg *config.Config) (*memstore.Store, error) {
	return memstore.Open(ctx, cfg.Memory.DBPath, serviceClient(cfg), cfg.Provider.EmbedModel)
}

func runStatus(opts Options) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(opts.Stdout, "Target: %s\n", cfg.Target)
	fmt.Fprintf(opts.Stdout, "Service: %s\n", cfg.Provider.BaseURL)

	probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if serviceClient(cfg).Available(probeCtx) {
		fmt.Fprintf(opts.Stdout, "Service status: available (model %s)\n", cfg.Provider.SummarizeModel)
	} else {
		fmt.Fprintln(opts.Stdout, "Service status: unreachable (compression degrades to truncation)")
	}

	if store, err := openSessions(cfg); err == nil {
		fmt.Fprintf(opts.Stdout, "Sessions: %d in %s\n", len(store.List("")), cfg.Session.Dir)
	}

	mem, err := openMemories(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(opts.Stdout, "Memory store: error (%v)\n", err)
		return nil
	}
	defer mem.Close()

	st, err := mem.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "Memory records: %d\n", st.TotalItems)
	if st.ProviderActive {
		fmt.Fprintf(opts.Stdout, "Semantic search: on (%s, %d vectors)\n", st.EmbedModel, st.VectorCount)
	} else {
		fmt.Fprintln(opts.Stdout, "Semantic search: off (keyword only)")
	}
	return nil
}

func runSessionList(opts Options, agentTag string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}

	listings := store.List(agentTag)
	if len(listings) == 0 {
		fmt.Fprintln(opts.Stdout, "No sessions.")
		return nil
	}
	printListings(opts.Stdout, listings)
	return nil
}

func runSessionShow(opts Options, id string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}

	sess, ok := store.Load(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	st := session.StatsFor(sess)
	fmt.Fprintf(opts.Stdout, "Session %s (%s)\n", sess.ID, sess.AgentTag)
	fmt.Fprintf(opts.Stdout, "Messages: %d, tokens: %d", st.MessageCount, st.TotalTokens)
	if st.HasSummary {
		fmt.Fprintf(opts.Stdout, ", summary tokens: %d, compression: %.0f%%", st.SummaryTokens, st.CompressionRatio*100)
	}
	fmt.Fprintln(opts.Stdout)
	fmt.Fprintln(opts.Stdout)
	fmt.Fprintln(opts.Stdout, session.ConversationText(sess, false))
	return nil
}

func runSessionDelete(opts Options, id string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}

	if !store.Delete(id) {
		return fmt.Errorf("session %s not found", id)
	}
	fmt.Fprintf(opts.Stdout, "Deleted %s\n", id)
	return nil
}

func runSessionSearch(opts Options, keyword, agentTag string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}

	matches := store.Search(keyword, agentTag)
	if len(matches) == 0 {
		fmt.Fprintf(opts.Stdout, "No sessions match %q.\n", keyword)
		return nil
	}
	printListings(opts.Stdout, matches)
	return nil
}

func runSessionClear(opts Options, id string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}

	sess, ok := store.Load(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	if _, err := store.ClearHistory(sess); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "Cleared %s\n", id)
	return nil
}

func printListings(w io.Writer, listings []session.Listing) {
	for _, l := range listings {
		fmt.Fprintf(w, "%s  [%s]  %d msgs  %s\n    %s\n",
			l.ID, l.AgentTag, l.MessageCount, l.UpdatedAt.Format("2006-01-02 15:04"), l.Preview)
	}
}

func runMemoryAdd(opts Options, typ, content string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	mem, err := openMemories(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	id, err := mem.Add(ctx, memstore.Item{Type: typ, Content: content})
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "Stored %s (%s)\n", id, typ)
	return nil
}

func runMemorySearch(opts Options, query, typ string, limit int) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	mem, err := openMemories(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	results, method, err := mem.Search(ctx, query, typ, limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintf(opts.Stdout, "No matches for %q.\n", query)
		return nil
	}
	fmt.Fprintf(opts.Stdout, "%d results (%s search)\n", len(results), method)
	for _, res := range results {
		fmt.Fprintf(opts.Stdout, "%.3f  %s  [%s]  %s\n",
			res.Score, res.Item.ID, res.Item.Type, firstLine(res.Item.Content))
	}
	return nil
}

func runMemoryRecent(opts Options, typ string, limit int) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	mem, err := openMemories(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	items, err := mem.Recent(ctx, typ, limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(opts.Stdout, "No memory records.")
		return nil
	}
	for _, item := range items {
		fmt.Fprintf(opts.Stdout, "%s  [%s]  %s  %s\n",
			item.ID, item.Type, item.CreatedAt.Format("2006-01-02 15:04"), firstLine(item.Content))
	}
	return nil
}

func runMemoryDelete(opts Options, id string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	mem, err := openMemories(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	deleted, err := mem.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("memory %s not found", id)
	}
	fmt.Fprintf(opts.Stdout, "Deleted %s\n", id)
	return nil
}

func runMemoryStats(opts Options) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	mem, err := openMemories(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	st, err := mem.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "Records: %d\n", st.TotalItems)
	for _, typ := range memstore.AllTypes {
		if count := st.ByType[typ]; count > 0 {
			fmt.Fprintf(opts.Stdout, "  %s: %d\n", typ, count)
		}
	}
	if st.ProviderActive {
		fmt.Fprintf(opts.Stdout, "Vectors: %d (%s)\n", st.VectorCount, st.EmbedModel)
	} else {
		fmt.Fprintln(opts.Stdout, "Vectors: none (no embedding provider)")
	}
	return nil
}

func runInject(opts Options, query, target string, maxTokens int) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if target == "" {
		target = cfg.Target
	}
	if maxTokens <= 0 {
		maxTokens = cfg.Memory.MaxInjectionTokens
	}

	ctx := context.Background()
	mem, err := openMemories(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	injector := inject.New(retrieval.New(mem))
	result, err := injector.BuildFor(ctx, query, target, inject.Options{MaxTokens: maxTokens})
	if err != nil {
		return err
	}
	if result.ItemCount == 0 {
		fmt.Fprintln(opts.Stderr, "No memories matched.")
		return nil
	}
	fmt.Fprintln(opts.Stdout, result.Content)
	fmt.Fprintf(opts.Stderr, "%d items, %d tokens (%s)\n", result.ItemCount, result.Tokens, result.Method)
	return nil
}

func runCompress(opts Options, target string) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if target == "" {
		target = cfg.Target
	}

	data, err := io.ReadAll(opts.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	limit := tokens.Available(target, 0)
	out := summarizer(cfg).CompressIfNeeded(context.Background(), string(data), limit, compress.Options{PreserveCode: true})
	fmt.Fprintln(opts.Stdout, out)
	return nil
}

func runSweep(opts Options, daemon bool) error {
	opts = opts.fill()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	sessions, err := openSessions(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	mem, err := openMemories(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	svc := maintenance.NewService(cfg.Maintenance.Schedule, cfg.Maintenance.SessionRetentionDays, sessions, mem)
	if !daemon {
		svc.Sweep(ctx)
		fmt.Fprintln(opts.Stdout, "Sweep complete.")
		return nil
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Start(runCtx); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "Sweeping on schedule %s. Ctrl-C to stop.\n", cfg.Maintenance.Schedule)
	<-runCtx.Done()
	return nil
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	const max = 80
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}
