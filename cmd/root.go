package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/discovery"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/resolver"
	"github.com/mrproliu/go-agent-runtime/frameworks/gin"
)

type rootOptions struct {
	configPaths  []string
	logFormat    string
	logLevel     string
	integrations bool
}

// integrations are the library integrations shipped with the agent.
var integrations = []core.Instrument{gin.Instrument{}}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "goagent",
		Short:         "Resolve, compare and follow go agent instrumentation settings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.logLevel, opts.logFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cmd.SetContext(withLogger(cmd.Context(), logger))
			return nil
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	f := cmd.PersistentFlags()
	f.StringSliceVarP(&opts.configPaths, "config", "c", nil, "settings files or directories, merged in order")
	f.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.BoolVar(&opts.integrations, "integrations", true, "include the settings and methods of the built-in integrations")

	cmd.AddCommand(
		newScanCommand(opts),
		newResolveCommand(opts),
		newDiffCommand(opts),
		newWatchCommand(opts),
		newToolexecCommand(opts),
	)
	return cmd
}

// defaults merges the settings shipped with the integrations.
func (o *rootOptions) defaults() (*config.Settings, error) {
	merged := &config.Settings{}
	if !o.integrations {
		return merged, nil
	}
	for _, i := range integrations {
		s, err := config.LoadFS(i.FS(), "*.yaml", "*.yml", "*.hcl")
		if err != nil {
			return nil, err
		}
		merged = config.Merge(merged, s)
	}
	return merged, nil
}

// settings loads paths over the integration defaults.
func (o *rootOptions) settings(paths []string) (*config.Settings, error) {
	defaults, err := o.defaults()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return defaults, nil
	}
	user, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}
	return config.Merge(defaults, user), nil
}

// descriptors scans module and adds the methods of the integrations.
func (o *rootOptions) descriptors(module string) ([]*core.MethodDescriptor, error) {
	var descs []*core.MethodDescriptor
	if module != "" {
		scanned, err := discovery.ScanModule(module)
		if err != nil {
			return nil, err
		}
		descs = scanned
	}
	if o.integrations {
		for _, i := range integrations {
			descs = append(descs, i.Descriptors()...)
		}
	}
	return descs, nil
}

type report struct {
	Hooks        map[string]hookSummary `yaml:"hooks"`
	RuleErrors   map[string]string      `yaml:"rule-errors,omitempty"`
	MethodErrors map[string]string      `yaml:"method-errors,omitempty"`
}

type hookSummary struct {
	Rules   []string `yaml:"rules"`
	Entry   []string `yaml:"entry,omitempty"`
	Exit    []string `yaml:"exit,omitempty"`
	Span    string   `yaml:"span,omitempty"`
	Metrics []string `yaml:"metrics,omitempty"`
}

func summarize(hc *resolver.MethodHookConfiguration) *hookSummary {
	if hc == nil {
		return nil
	}
	s := &hookSummary{Rules: hc.SourceRules}
	for _, c := range hc.Entry {
		s.Entry = append(s.Entry, c.DataKey+" <- "+c.Provider.Name)
	}
	for _, c := range hc.Exit {
		s.Exit = append(s.Exit, c.DataKey+" <- "+c.Provider.Name)
	}
	switch t := hc.Tracing; {
	case t.ContinueSpan != "":
		s.Span = "continue " + t.ContinueSpan
	case t.StartSpan:
		kind := t.Kind
		if kind == "" {
			kind = "INTERNAL"
		}
		s.Span = "start " + kind
	}
	for _, m := range hc.Metrics {
		s.Metrics = append(s.Metrics, m.Metric)
	}
	return s
}

type resolution struct {
	cfg      *resolver.InstrumentationConfiguration
	hooks    map[string]*resolver.MethodHookConfiguration
	failures map[string]error
}

func resolve(logger *slog.Logger, settings *config.Settings, descs []*core.MethodDescriptor) resolution {
	r := resolver.New(resolver.WithLogger(logger))
	cfg := r.Resolve(settings)
	hooks, failures := r.HookConfigurations(cfg, descs)
	return resolution{cfg: cfg, hooks: hooks, failures: failures}
}

func (r resolution) report() report {
	out := report{Hooks: map[string]hookSummary{}}
	for id, hc := range r.hooks {
		out.Hooks[id] = *summarize(hc)
	}
	out.RuleErrors = errorStrings(r.cfg.RuleErrors)
	out.MethodErrors = errorStrings(r.failures)
	return out
}

func errorStrings(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for k, err := range errs {
		out[k] = err.Error()
	}
	return out
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
