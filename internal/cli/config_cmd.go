package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"

	"flipbooks/internal/catalog"
	"flipbooks/internal/legacy"
	"flipbooks/internal/wiseview"

	"github.com/spf13/cobra"
)

// Version is overridden at link time.
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("FLIPBOOKS_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/flipbooks/config.json"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n\n", cfgPath)
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Flipbooks v%s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}

func newViewerURLCmd(root *Root) *cobra.Command {
	var rawParams []string

	cmd := &cobra.Command{
		Use:   "viewer-url <wiseview|legacy>",
		Short: "Print the interactive viewer link for a set of parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			var link string
			switch strings.ToLower(args[0]) {
			case "wiseview":
				q, err := wiseview.NewQuery(nil, root.cfg.Endpoints, params)
				if err != nil {
					return err
				}
				link = q.ViewerURL()
			case "legacy":
				q, err := legacy.NewQuery(root.cfg.Endpoints, params)
				if err != nil {
					return err
				}
				link = q.ViewerURL()
			default:
				return fmt.Errorf("unknown service %q: use wiseview or legacy", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "query parameter as key=value (repeatable)")
	return cmd
}

func newLayersCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "layers",
		Short: "List Legacy Survey layers and overlays",
		Run: func(cmd *cobra.Command, args []string) {
			cat := catalog.Default()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tNAME\tALIAS")
			for _, e := range cat.Layers() {
				fmt.Fprintf(tw, "layer\t%s\t%s\n", e.Name, e.Alias)
			}
			for _, e := range cat.Overlays() {
				kind := "overlay"
				if e.Anchor {
					kind = "anchor"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", kind, e.Name, e.Alias)
			}
			tw.Flush()
		},
	}
}
