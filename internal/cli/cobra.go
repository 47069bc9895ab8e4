package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"flipbooks/internal/config"
	"flipbooks/internal/pipeline"
	"flipbooks/internal/tasks"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, pipe pipelineClient) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flipbooks",
		Short: "Flipbooks builds sky survey blinks and cutouts",
		Long: `Flipbooks downloads WiseView epoch frames, Legacy Survey cutouts and unWISE
coadds, and assembles them into GIF blinks, rescaled frame sets, and W1/W2
color composites.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newBlinkCmd(root))
	rootCmd.AddCommand(newFramesCmd(root))
	rootCmd.AddCommand(newCutoutCmd(root))
	rootCmd.AddCommand(newCompositeCmd(root))
	rootCmd.AddCommand(newFITSCmd(root))
	rootCmd.AddCommand(newViewerURLCmd(root))
	rootCmd.AddCommand(newLayersCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func parsePosition(raArg, decArg string) (float64, float64, error) {
	ra, err := strconv.ParseFloat(raArg, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid RA %q: %w", raArg, err)
	}
	dec, err := strconv.ParseFloat(decArg, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Dec %q: %w", decArg, err)
	}
	return ra, dec, nil
}

func addGridFlags(cmd *cobra.Command, g *gridFlags) {
	cmd.Flags().IntVar(&g.count, "grid", 0, "overlay a grid with this many cells per side (0 = none)")
	cmd.Flags().StringVar(&g.style, "grid-style", "Solid", "grid style (Solid|Intersection|Dashed)")
	cmd.Flags().StringVar(&g.color, "grid-color", "black", "grid color name or #rrggbb")
}

func newBlinkCmd(root *Root) *cobra.Command {
	var (
		outDir          string
		minBright       float64
		maxBright       float64
		duration        float64
		keepPNGs        bool
		minFrames       int
		scale           float64
		allowNonInteger bool
		grid            gridFlags
		rawParams       []string
	)

	cmd := &cobra.Command{
		Use:   "blink <ra> <dec> <gifname>",
		Short: "Generate one WiseView style unWISE image blink",
		Long: `Download every WiseView epoch frame at a sky position and assemble them into
an endlessly looping GIF. Short sequences are padded with copies of the last
frame up to --min-frames. The PNG frames are removed afterwards unless
--keep-pngs is given.

Examples:
  flipbooks blink 133.786245 -7.244372 w0855.gif
  flipbooks blink 133.786245 -7.244372 w0855.gif --minbright -50 --maxbright 500 --scale 2 --grid 5`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ra, dec, err := parsePosition(args[0], args[1])
			if err != nil {
				return err
			}
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			flagParam(cmd, params, "minbright", minBright)
			flagParam(cmd, params, "maxbright", maxBright)

			opts := map[string]any{
				"ra":              ra,
				"dec":             dec,
				"output":          args[2],
				"outDir":          outDir,
				"duration":        duration,
				"keepFrames":      keepPNGs,
				"scale":           scale,
				"allowNonInteger": allowNonInteger,
				"params":          params,
			}
			if cmd.Flags().Changed("min-frames") {
				opts["minFrames"] = minFrames
			}
			if err := grid.apply(opts); err != nil {
				return err
			}
			return root.run(cmd.Context(), pipeline.JobBlink, opts)
		},
	}

	cmd.Flags().StringVar(&outDir, "outdir", ".", "output directory for PNGs")
	cmd.Flags().Float64Var(&minBright, "minbright", -12.5, "image rendering stretch lower bound")
	cmd.Flags().Float64Var(&maxBright, "maxbright", 125.0, "image rendering stretch upper bound")
	cmd.Flags().Float64Var(&duration, "duration", 0.2, "time in seconds per frame")
	cmd.Flags().BoolVar(&keepPNGs, "keep-pngs", false, "retain the PNGs after the GIF has been built")
	cmd.Flags().IntVar(&minFrames, "min-frames", 0, "pad short blinks to this many frames (default from config, 0 disables)")
	cmd.Flags().Float64Var(&scale, "scale", 1, "nearest-neighbor rescale factor applied to every frame")
	cmd.Flags().BoolVar(&allowNonInteger, "allow-non-integer", false, "permit fractional rescale factors")
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "extra WiseView parameter as key=value (repeatable)")
	addGridFlags(cmd, &grid)

	return cmd
}

func newFramesCmd(root *Root) *cobra.Command {
	var (
		outDir          string
		scale           float64
		allowNonInteger bool
		grid            gridFlags
		rawParams       []string
	)

	cmd := &cobra.Command{
		Use:   "frames <ra> <dec>",
		Short: "Download WiseView epoch frames without building a GIF",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ra, dec, err := parsePosition(args[0], args[1])
			if err != nil {
				return err
			}
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			opts := map[string]any{
				"ra":              ra,
				"dec":             dec,
				"outDir":          outDir,
				"scale":           scale,
				"allowNonInteger": allowNonInteger,
				"params":          params,
			}
			if err := grid.apply(opts); err != nil {
				return err
			}
			return root.run(cmd.Context(), pipeline.JobFrames, opts)
		},
	}

	cmd.Flags().StringVar(&outDir, "outdir", ".", "output directory for PNGs")
	cmd.Flags().Float64Var(&scale, "scale", 1, "nearest-neighbor rescale factor")
	cmd.Flags().BoolVar(&allowNonInteger, "allow-non-integer", false, "permit fractional rescale factors")
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "extra WiseView parameter as key=value (repeatable)")
	addGridFlags(cmd, &grid)

	return cmd
}

func newCutoutCmd(root *Root) *cobra.Command {
	var (
		format    string
		extension int
		rawParams []string
	)

	cmd := &cobra.Command{
		Use:   "cutout <output>",
		Short: "Download a Legacy Survey cutout",
		Long: `Download a Legacy Survey viewer cutout. Position, layer, bands and overlays
are given as --param key=value pairs.

Examples:
  flipbooks cutout w0855.jpg -p ra=133.786245 -p dec=-7.244372 -p layer=ls-dr10
  flipbooks cutout w0855.fits --format png --extension 1 -p layer=unwise-neo7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			return root.run(cmd.Context(), pipeline.JobCutout, map[string]any{
				"output":    args[0],
				"format":    format,
				"extension": extension,
				"params":    params,
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", tasks.CutoutJPEG, "output format (jpeg|fits|png)")
	cmd.Flags().IntVar(&extension, "extension", 0, "image plane rendered for --format png")
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "cutout parameter as key=value (repeatable)")
	return cmd
}

func newCompositeCmd(root *Root) *cobra.Command {
	var (
		mode       string
		percentile float64
		clipMin    float64
		clipMax    float64
		invert     bool
		rawParams  []string
	)

	cmd := &cobra.Command{
		Use:   "composite <output>",
		Short: "Build a W1/W2 color composite from unWISE coadds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			opts := map[string]any{
				"output":     args[0],
				"mode":       mode,
				"percentile": percentile,
				"invert":     invert,
				"params":     params,
			}
			minSet, maxSet := cmd.Flags().Changed("min"), cmd.Flags().Changed("max")
			if minSet != maxSet {
				return fmt.Errorf("--min and --max must be given together")
			}
			if minSet {
				opts["clipMin"] = clipMin
				opts["clipMax"] = clipMax
			}
			return root.run(cmd.Context(), pipeline.JobComposite, opts)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "percentile", "brightness window mode (full|percentile)")
	cmd.Flags().Float64Var(&percentile, "percentile", tasks.DefaultPercentile, "upper percentile for percentile mode")
	cmd.Flags().Float64Var(&clipMin, "min", 0, "explicit lower brightness bound")
	cmd.Flags().Float64Var(&clipMax, "max", 0, "explicit upper brightness bound")
	cmd.Flags().BoolVar(&invert, "invert", false, "invert the composite")
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "coadd parameter as key=value (repeatable)")
	return cmd
}

func newFITSCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fits",
		Short: "Convert FITS images to PNG",
	}

	var (
		extension   int
		deleteInput bool
	)
	convertCmd := &cobra.Command{
		Use:   "convert <input> [output]",
		Short: "Render one FITS image plane as a grayscale PNG",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{
				"input":       args[0],
				"extension":   extension,
				"deleteInput": deleteInput,
			}
			if len(args) > 1 {
				opts["output"] = args[1]
			}
			return root.run(cmd.Context(), pipeline.JobConvert, opts)
		},
	}
	convertCmd.Flags().IntVar(&extension, "extension", 0, "image plane to render")
	convertCmd.Flags().BoolVar(&deleteInput, "delete", false, "remove the FITS file after conversion")

	var (
		watchExtension int
		watchDelete    bool
	)
	watchCmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Convert FITS files as they land in a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{root.cfg.Paths.WatchDir}
			}
			opts := tasks.FITSWatcherOptions{Extension: watchExtension, DeleteInput: watchDelete}
			return root.watchFn(cmd.Context(), dirs, opts, root.log, cmd.OutOrStdout())
		},
	}
	watchCmd.Flags().IntVar(&watchExtension, "extension", 0, "image plane to render")
	watchCmd.Flags().BoolVar(&watchDelete, "delete", false, "remove each FITS file after conversion")

	cmd.AddCommand(convertCmd, watchCmd)
	return cmd
}

// runFITSWatcher blocks until ctx is done, printing each conversion.
func runFITSWatcher(ctx context.Context, dirs []string, opts tasks.FITSWatcherOptions, log *slog.Logger, out io.Writer) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	w, err := tasks.NewFITSWatcher(dirs, opts, log)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	log.Info("watching for FITS files", "dirs", dirs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				fmt.Fprintf(out, "failed %s: %v\n", ev.Input, ev.Err)
				continue
			}
			fmt.Fprintf(out, "converted %s -> %s\n", ev.Input, ev.Result.OutputFile)
		}
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job API server",
		Long: `Start an HTTP server that accepts jobs and streams their results.

Endpoints:
  GET  /healthz   liveness probe
  POST /jobs      {"type": "blink", "options": {...}}
  GET  /stream    websocket feed of job results`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), default from config")
	return cmd
}
