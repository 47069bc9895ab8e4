package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"flipbooks/internal/config"
	"flipbooks/internal/pipeline"
	"flipbooks/internal/server"
	"flipbooks/internal/tasks"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, addr, pipe, log)
}

type watcherFunc func(ctx context.Context, dirs []string, opts tasks.FITSWatcherOptions, log *slog.Logger, out io.Writer) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	out      io.Writer
	serveFn  serverFunc
	watchFn  watcherFunc
}

// NewRoot constructs the shared command state.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		out:      os.Stdout,
		serveFn:  defaultServe,
		watchFn:  runFITSWatcher,
	}
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID)
	return nil
}

// run submits a job and prints its metadata.
func (r *Root) run(ctx context.Context, t pipeline.JobType, options map[string]any) error {
	res, err := r.enqueueAndWait(ctx, pipeline.NewJob(t, options))
	if err != nil {
		return err
	}
	r.printMeta(res.Meta)
	return nil
}

func (r *Root) printMeta(meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := meta[k].(type) {
		case []string:
			if len(v) == 0 {
				continue
			}
			fmt.Fprintf(r.out, "%s:\n", k)
			for _, s := range v {
				fmt.Fprintf(r.out, "  %s\n", s)
			}
		case string:
			if v != "" {
				fmt.Fprintf(r.out, "%s: %s\n", k, v)
			}
		default:
			fmt.Fprintf(r.out, "%s: %v\n", k, v)
		}
	}
}

// parseParams turns repeated key=value flags into service overrides. Values
// stay strings; each service coerces them to its own option kinds.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// flagParam sets a service parameter from the flag of the same name. An
// explicit flag wins; otherwise a -p value for the key is kept and the flag
// default only fills a gap.
func flagParam(cmd *cobra.Command, params map[string]any, key string, v any) {
	if !cmd.Flags().Changed(key) {
		for k := range params {
			if strings.EqualFold(k, key) {
				return
			}
		}
	}
	for k := range params {
		if strings.EqualFold(k, key) {
			delete(params, k)
		}
	}
	params[key] = v
}

// gridFlags are shared by the frame-producing commands.
type gridFlags struct {
	count int
	style string
	color string
}

func (g gridFlags) apply(opts map[string]any) error {
	if g.count <= 0 {
		return nil
	}
	if _, err := tasks.ParseGridStyle(g.style); err != nil {
		return err
	}
	if _, err := tasks.ParseColor(g.color); err != nil {
		return err
	}
	opts["grid"] = g.count
	opts["gridStyle"] = g.style
	opts["gridColor"] = g.color
	return nil
}

// Execute runs cmd with args, keeping negative coordinates such as
// "-7.244372" positional instead of parsing them as shorthand flags.
func Execute(ctx context.Context, cmd *cobra.Command, args []string) error {
	cmd.SetArgs(normalizeArgs(cmd, args))
	return cmd.ExecuteContext(ctx)
}

// normalizeArgs reorders args as command path, flags, "--", positionals.
// Args that already carry "--" or no negative numbers are returned as is.
func normalizeArgs(rootCmd *cobra.Command, args []string) []string {
	negative := false
	for _, a := range args {
		if a == "--" {
			return args
		}
		if isNegativeNumber(a) {
			negative = true
		}
	}
	if !negative {
		return args
	}
	cmd, _, err := rootCmd.Find(args)
	if err != nil || cmd == rootCmd {
		return args
	}
	path := strings.Fields(cmd.CommandPath())[1:]
	if len(args) < len(path) {
		return args
	}
	for i, name := range path {
		if args[i] != name {
			return args
		}
	}

	rest := args[len(path):]
	var flags, positional []string
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		switch {
		case isNegativeNumber(a):
			positional = append(positional, a)
		case strings.HasPrefix(a, "-"):
			flags = append(flags, a)
			if strings.Contains(a, "=") {
				continue
			}
			var f *pflag.Flag
			if name, ok := strings.CutPrefix(a, "--"); ok {
				f = cmd.Flags().Lookup(name)
			} else if len(a) == 2 {
				f = cmd.Flags().ShorthandLookup(a[1:])
			}
			if f != nil && f.NoOptDefVal == "" && i+1 < len(rest) {
				flags = append(flags, rest[i+1])
				i++
			}
		default:
			positional = append(positional, a)
		}
	}

	out := append([]string{}, path...)
	out = append(out, flags...)
	out = append(out, "--")
	return append(out, positional...)
}

func isNegativeNumber(s string) bool {
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
