package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/resolver"
)

// errChanges is returned by diff --exit-code when the resolutions differ.
var errChanges = errors.New("hook configurations differ")

func newScanCommand(root *rootOptions) *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List the hookable methods of a module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			descs, err := root.descriptors(module)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), descs)
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", ".", "root of the module to scan")
	return cmd
}

func newResolveCommand(root *rootOptions) *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the settings against the methods of a module and print the hooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := loggerFrom(cmd.Context())
			settings, err := root.settings(root.configPaths)
			if err != nil {
				return err
			}
			descs, err := root.descriptors(module)
			if err != nil {
				return err
			}
			res := resolve(logger, settings, descs)
			logger.Debug("resolved", "methods", len(descs), "hooks", len(res.hooks), "rule-errors", len(res.cfg.RuleErrors))
			return writeYAML(cmd.OutOrStdout(), res.report())
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", ".", "root of the module to scan")
	return cmd
}

type changeSummary struct {
	Method   string              `yaml:"method"`
	Kind     resolver.ChangeKind `yaml:"kind"`
	Previous *hookSummary        `yaml:"previous,omitempty"`
	Next     *hookSummary        `yaml:"next,omitempty"`
	Detail   string              `yaml:"detail,omitempty"`
}

func newDiffCommand(root *rootOptions) *cobra.Command {
	var (
		module   string
		from     []string
		to       []string
		exitCode bool
		detail   bool
	)
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show which hooks change between two versions of the settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(to) == 0 {
				to = root.configPaths
			}
			if len(from) == 0 || len(to) == 0 {
				return fmt.Errorf("diff needs --from and --to (or --config)")
			}
			logger := loggerFrom(cmd.Context())
			descs, err := root.descriptors(module)
			if err != nil {
				return err
			}
			previous, err := root.settings(from)
			if err != nil {
				return fmt.Errorf("load --from: %w", err)
			}
			next, err := root.settings(to)
			if err != nil {
				return fmt.Errorf("load --to: %w", err)
			}

			changes := resolver.Diff(resolve(logger, previous, descs).hooks, resolve(logger, next, descs).hooks)
			out := make([]changeSummary, 0, len(changes))
			for _, c := range changes {
				s := changeSummary{Method: c.Method, Kind: c.Kind, Previous: summarize(c.Previous), Next: summarize(c.Next)}
				if detail && c.Kind == resolver.Changed {
					s.Detail = c.Previous.Diff(c.Next)
				}
				out = append(out, s)
			}
			if err := writeYAML(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if exitCode && len(changes) > 0 {
				return errChanges
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&module, "module", "m", ".", "root of the module to scan")
	f.StringSliceVar(&from, "from", nil, "previous settings files or directories")
	f.StringSliceVar(&to, "to", nil, "next settings files or directories, --config when omitted")
	f.BoolVar(&exitCode, "exit-code", false, "exit with status 1 when hooks change")
	f.BoolVar(&detail, "detail", false, "include a structural diff of changed hooks")
	return cmd
}
