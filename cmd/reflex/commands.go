package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/governance"
	"github.com/Mindburn-Labs/reflex/pkg/ops"
	"github.com/Mindburn-Labs/reflex/pkg/runtime"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

func bindConfigFlags(fs *flag.FlagSet) *configFlags {
	c := &configFlags{}
	fs.StringVar(&c.path, "config", os.Getenv("REFLEX_CONFIG"), "Path to reflex.yaml")
	fs.StringVar(&c.profile, "profile", "", "Profile overlay to apply")
	fs.StringVar(&c.profileDir, "profiles", "profiles", "Directory holding profile overlays")
	return c
}

func runRunCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := bindConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := cf.load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sconfig: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	logger := newLogger(cfg.Log, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.NewConsole(stdout)
	dispatch := session.DispatcherFunc(func(_ context.Context, tool string, args map[string]any) (any, error) {
		_, _ = fmt.Fprintf(stdout, "** %s %v\n", tool, args)
		return "ok", nil
	})
	rt, err := runtime.New(ctx, cfg, sess,
		runtime.WithLogger(logger),
		runtime.WithDispatcher(dispatch),
		runtime.WithGestureSink(ops.GestureFunc(func(_ context.Context, g ops.Gesture) error {
			_, _ = fmt.Fprintf(stdout, "~~ gesture %s (%.2f)\n", g.Name, g.Intensity)
			return nil
		})),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sstartup: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	if err := rt.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "%sstartup: %v%s\n", ColorRed, err, ColorReset)
		_ = rt.Stop(context.Background())
		return 1
	}
	if block, err := rt.Instructions(ctx); err == nil && block != "" {
		_, _ = fmt.Fprintln(stdout, block)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	code := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			handleLine(ctx, rt, stdout, strings.TrimSpace(line))
		}
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(shutdown); err != nil {
		logger.Error("shutdown", "error", err)
		code = 1
	}
	return code
}

// handleLine treats plain text as a user turn. Lines starting with a slash
// feed sensors or request tools:
//
//	/battery <volts>
//	/tool <name> [json-args]
func handleLine(ctx context.Context, rt *runtime.Runtime, stdout io.Writer, line string) {
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "/") {
		out := rt.OnUserInput(ctx, line)
		if out.Interrupt != governance.InterruptNone {
			_, _ = fmt.Fprintf(stdout, ">> %s %s\n", out.Interrupt, strings.Join(out.PacketIDs, ","))
			return
		}
		if err := rt.OnResponseStart(ctx); err != nil {
			return
		}
		reply := "heard: " + line
		_, _ = fmt.Fprintf(stdout, ">> %s\n", reply)
		_ = rt.OnResponseDone(ctx, reply, map[string]any{"trigger": "user"})
		return
	}

	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "/battery":
		if len(fields) < 2 {
			_, _ = fmt.Fprintln(stdout, "usage: /battery <volts>")
			return
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "bad voltage: %v\n", err)
			return
		}
		r := rt.OnBattery(ctx, v)
		_, _ = fmt.Fprintf(stdout, "battery %.0f%% %s %s\n", r.Percent*100, r.Severity, r.Transition)
	case "/tool":
		if len(fields) < 2 {
			_, _ = fmt.Fprintln(stdout, "usage: /tool <name> [json-args]")
			return
		}
		call := governance.ToolCall{Tool: fields[1]}
		if len(fields) == 3 {
			if err := json.Unmarshal([]byte(fields[2]), &call.Arguments); err != nil {
				_, _ = fmt.Fprintf(stdout, "bad arguments: %v\n", err)
				return
			}
		}
		// Approval may block; answers arrive on later lines.
		go func() {
			res, err := rt.OnToolCall(ctx, call)
			if err != nil {
				_, _ = fmt.Fprintf(stdout, "!! %v\n", err)
				return
			}
			_, _ = fmt.Fprintf(stdout, "== %s %v\n", call.Tool, res.Output)
		}()
	default:
		_, _ = fmt.Fprintf(stdout, "unknown command %s\n", fields[0])
	}
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "degraded", "failing"
	Detail string `json:"detail,omitempty"`
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := bindConfigFlags(fs)
	jsonOutput := fs.Bool("json", false, "Output results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var results []checkResult
	cfg, err := cf.load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: string(ops.StatusFailing), Detail: err.Error()})
		return printChecks(stdout, results, *jsonOutput, 1)
	}
	results = append(results, checkResult{Name: "config", Status: string(ops.StatusOK), Detail: "schema " + cfg.Version})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt, err := runtime.New(ctx, cfg, session.NewConsole(nil), runtime.WithLogger(newLogger(cfg.Log, io.Discard)))
	if err != nil {
		results = append(results, checkResult{Name: "runtime", Status: string(ops.StatusFailing), Detail: err.Error()})
		return printChecks(stdout, results, *jsonOutput, 1)
	}
	defer func() { _ = rt.Stop(context.Background()) }()

	if err := rt.Ops.Tick(ctx); err != nil {
		results = append(results, checkResult{Name: "ops", Status: string(ops.StatusFailing), Detail: err.Error()})
	}
	snap := rt.Ops.Snapshot()
	names := make([]string, 0, len(snap.Probes))
	for name := range snap.Probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := snap.Probes[name]
		results = append(results, checkResult{Name: name, Status: string(p.Status), Detail: p.Summary})
	}
	results = append(results, checkResult{Name: "health", Status: string(snap.Status), Detail: snap.Summary})

	code := 0
	if snap.Status == ops.StatusFailing {
		code = 1
	}
	return printChecks(stdout, results, *jsonOutput, code)
}

func printChecks(w io.Writer, results []checkResult, asJSON bool, code int) int {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
		return code
	}
	for _, row := range results {
		color := ColorGreen
		switch ops.Status(row.Status) {
		case ops.StatusDegraded:
			color = ColorYellow
		case ops.StatusFailing:
			color = ColorRed
		}
		fmt.Fprintf(w, "  %s%-9s%s %-10s %s\n", color, row.Status, ColorReset, row.Name, row.Detail)
	}
	return code
}

func runReflectionsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reflections", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := bindConfigFlags(fs)
	n := fs.Int("n", 5, "Number of reflections to print")
	jsonOutput := fs.Bool("json", false, "Output records as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := cf.load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rc := cfg.Reflection
	store, closeStore, err := runtime.OpenReflectionStore(ctx, rc.Store, rc.DSN, rc.Capacity)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = closeStore() }()

	recs, err := store.Latest(ctx, *n)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read reflections: %v\n", err)
		return 1
	}
	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(recs)
		return 0
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintf(stdout, "no reflections in %s store\n", rc.Store)
		return 0
	}
	for _, r := range recs {
		_, _ = fmt.Fprintf(stdout, "%s%s%s %s [%s]\n", ColorBold, r.Timestamp.Format(time.RFC3339), ColorReset, r.Reflection.Summary, r.Context.Trigger())
		for _, l := range r.Lessons() {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", l)
		}
	}
	return 0
}
