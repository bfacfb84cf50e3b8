// runlog is an interactive shell for inspecting run logs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/runlog/internal/accumulator"
	"github.com/xtxerr/runlog/internal/config"
	"github.com/xtxerr/runlog/internal/export"
	"github.com/xtxerr/runlog/internal/logging"
	"github.com/xtxerr/runlog/internal/multiplexer"
	"github.com/xtxerr/runlog/internal/query"
)

// Version is set at build time via ldflags
var Version = "dev"

// shell holds the interactive session state.
type shell struct {
	mux       *multiplexer.Multiplexer
	exportDir string
	querySvc  *query.Service
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	logDir := flag.String("logdir", "", "run log directory (overrides config)")
	exportDir := flag.String("export-dir", "", "Parquet export directory (overrides config)")
	command := flag.String("c", "", "run a single command and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *exportDir != "" {
		cfg.Export.Dir = *exportDir
	}
	if cfg.LogDir == "" {
		log.Fatal("A run log directory is required (use -logdir or config)")
	}

	// Keep log noise out of the prompt.
	logging.Init(logging.ParseLevel("error"), false)

	mux := multiplexer.New(cfg.AccumulatorSettings(), logging.Component("multiplexer"))
	defer mux.Close()

	if err := mux.AddRunsFromDirectory(cfg.LogDir); err != nil {
		log.Fatalf("Scan run directory: %v", err)
	}
	if err := mux.ReloadAll(); err != nil {
		log.Fatalf("Load runs: %v", err)
	}

	sh := &shell{mux: mux, exportDir: cfg.Export.Dir}
	defer func() {
		if sh.querySvc != nil {
			sh.querySvc.Close()
		}
	}()

	if *command != "" {
		sh.execute(*command)
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		log.Fatal("Interactive mode requires a terminal (use -c for scripted commands)")
	}

	fmt.Printf("runlog %s: %d runs loaded. Type 'help' for commands.\n", Version, len(mux.Runs()))
	p := prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionTitle("runlog"),
		prompt.OptionPrefix("runlog> "),
		prompt.OptionPrefixTextColor(prompt.Cyan),
	)
	p.Run()
}

// =============================================================================
// Command Dispatch
// =============================================================================

func (s *shell) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		s.printHelp()
	case "runs":
		s.cmdRuns()
	case "tags":
		s.cmdTags(args)
	case "scalars":
		s.cmdScalars(args)
	case "histograms":
		s.cmdHistograms(args)
	case "percentiles":
		s.cmdPercentiles(args)
	case "distribution":
		s.cmdDistribution(args)
	case "first":
		s.cmdFirst(args)
	case "pills":
		s.cmdPills(args)
	case "reload":
		s.cmdReload()
	case "export":
		s.cmdExport(args)
	case "sql":
		s.cmdSQL(strings.TrimSpace(strings.TrimPrefix(line, "sql")))
	case "exit", "quit":
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}
}

func (s *shell) printHelp() {
	fmt.Print(`Commands:
  runs                          list registered runs
  tags <run>                    show the run's tag index
  scalars <run> <tag>           print scalar records
  histograms <run> <tag>        print histogram records
  percentiles <run> <tag>       print compressed histogram records
  distribution <run> <tag>      print the scalar tag's distribution summary
  first <run>                   print the run's first event timestamp
  pills <run> <op>              print health pills for an op
  reload                        drain new events for every run
  export [dir]                  write a Parquet snapshot
  sql <query>                   run SQL over the exported snapshot
  exit                          leave the shell
`)
}

// =============================================================================
// Commands
// =============================================================================

func (s *shell) cmdRuns() {
	for _, run := range s.mux.Runs() {
		fmt.Println(run)
	}
}

func (s *shell) cmdTags(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: tags <run>")
		return
	}
	idx, err := s.mux.Tags(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	printJSON(idx)
}

func (s *shell) cmdScalars(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: scalars <run> <tag>")
		return
	}
	recs, err := s.mux.Scalars(args[0], args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, rec := range recs {
		fmt.Printf("step=%-10d wall_time=%s value=%g\n",
			rec.Step, formatWallTime(rec.WallTime), rec.Value)
	}
	fmt.Printf("%d records\n", len(recs))
}

func (s *shell) cmdHistograms(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: histograms <run> <tag>")
		return
	}
	recs, err := s.mux.Histograms(args[0], args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, rec := range recs {
		h := rec.Value
		fmt.Printf("step=%-10d n=%g min=%g max=%g sum=%g buckets=%d\n",
			rec.Step, h.Num, h.Min, h.Max, h.Sum, len(h.Bucket))
	}
	fmt.Printf("%d records\n", len(recs))
}

func (s *shell) cmdPercentiles(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: percentiles <run> <tag>")
		return
	}
	recs, err := s.mux.CompressedHistograms(args[0], args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, rec := range recs {
		parts := make([]string, len(rec.Value))
		for i, cv := range rec.Value {
			parts[i] = fmt.Sprintf("p%g=%g", float64(cv.BasisPoint)/100, cv.Value)
		}
		fmt.Printf("step=%-10d %s\n", rec.Step, strings.Join(parts, " "))
	}
	fmt.Printf("%d records\n", len(recs))
}

func (s *shell) cmdDistribution(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: distribution <run> <tag>")
		return
	}
	sum, err := s.mux.ScalarDistribution(args[0], args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	printJSON(sum)
}

func (s *shell) cmdFirst(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: first <run>")
		return
	}
	ts, err := s.mux.FirstEventTimestamp(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("%s (%.6f)\n", formatWallTime(ts), ts)
}

func (s *shell) cmdPills(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: pills <run> <op>")
		return
	}
	pills, err := s.mux.HealthPills(args[0], args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, p := range pills {
		fmt.Printf("step=%-10d slot=%d device=%s dtype=%s shape=%v\n",
			p.Step, p.OutputSlot, p.Device, p.DType, p.Shape)
	}
	fmt.Printf("%d pills\n", len(pills))
}

func (s *shell) cmdReload() {
	start := time.Now()
	if err := s.mux.ReloadAll(); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("reloaded %d runs in %s\n", len(s.mux.Runs()), time.Since(start).Round(time.Millisecond))
}

func (s *shell) cmdExport(args []string) {
	dir := s.exportDir
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		fmt.Println("usage: export <dir> (or set export.dir in config)")
		return
	}
	exp := export.NewExporter(s.mux, dir, export.DefaultOptions())
	result, err := exp.Export()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	s.exportDir = dir
	fmt.Printf("wrote %d scalar rows and %d percentile rows to %s\n",
		result.ScalarRows, result.PercentileRows, dir)
}

func (s *shell) cmdSQL(q string) {
	if q == "" {
		fmt.Println("usage: sql <query>")
		return
	}
	if s.exportDir == "" {
		fmt.Println("no export directory; run 'export <dir>' first")
		return
	}
	if s.querySvc == nil {
		svc, err := query.New(s.exportDir, "")
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		s.querySvc = svc
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.querySvc.ExecuteSQL(ctx, q)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		parts := make([]string, len(cols))
		for i, col := range cols {
			parts[i] = fmt.Sprintf("%s=%v", col, row[col])
		}
		fmt.Println(strings.Join(parts, " "))
	}
	fmt.Printf("%d rows\n", len(rows))
}

// =============================================================================
// Completion
// =============================================================================

var commands = []prompt.Suggest{
	{Text: "runs", Description: "list registered runs"},
	{Text: "tags", Description: "show a run's tag index"},
	{Text: "scalars", Description: "print scalar records"},
	{Text: "histograms", Description: "print histogram records"},
	{Text: "percentiles", Description: "print compressed histogram records"},
	{Text: "distribution", Description: "print a scalar tag's distribution"},
	{Text: "first", Description: "print a run's first event timestamp"},
	{Text: "pills", Description: "print health pills for an op"},
	{Text: "reload", Description: "drain new events"},
	{Text: "export", Description: "write a Parquet snapshot"},
	{Text: "sql", Description: "run SQL over the exported snapshot"},
	{Text: "help", Description: "show commands"},
	{Text: "exit", Description: "leave the shell"},
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	fields := strings.Fields(d.TextBeforeCursor())
	word := d.GetWordBeforeCursor()

	// First word: command names.
	if len(fields) == 0 || (len(fields) == 1 && word != "") {
		return prompt.FilterHasPrefix(commands, word, true)
	}

	// Second word: run names for run-scoped commands.
	switch fields[0] {
	case "tags", "scalars", "histograms", "percentiles", "distribution", "first", "pills":
		if len(fields) == 1 || (len(fields) == 2 && word != "") {
			runs := s.mux.Runs()
			suggestions := make([]prompt.Suggest, len(runs))
			for i, run := range runs {
				suggestions[i] = prompt.Suggest{Text: run}
			}
			return prompt.FilterHasPrefix(suggestions, word, true)
		}
	}

	// Third word: tags of the chosen run.
	switch fields[0] {
	case "scalars", "histograms", "percentiles", "distribution":
		if len(fields) >= 2 {
			idx, err := s.mux.Tags(fields[1])
			if err != nil {
				return nil
			}
			tags := tagsForCommand(fields[0], idx)
			suggestions := make([]prompt.Suggest, len(tags))
			for i, tag := range tags {
				suggestions[i] = prompt.Suggest{Text: tag}
			}
			return prompt.FilterHasPrefix(suggestions, word, true)
		}
	}

	return nil
}

// tagsForCommand picks the tag kind matching the command.
func tagsForCommand(cmd string, idx accumulator.TagIndex) []string {
	switch cmd {
	case "histograms":
		return idx.Histograms
	case "percentiles":
		return idx.CompressedHistograms
	default:
		return idx.Scalars
	}
}

// =============================================================================
// Helpers
// =============================================================================

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(out))
}

func formatWallTime(wallTime float64) string {
	sec := int64(wallTime)
	nsec := int64((wallTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}
