package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/discovery"
)

// adapterPrefix names the generated adapter functions a weaver installs per hooked
// method.
const adapterPrefix = "_goagent_enhance_"

type compileOptions struct {
	Package string
	Output  string
}

func (c *compileOptions) String() string {
	return fmt.Sprintf("-p: %s, -o: %s", c.Package, c.Output)
}

type hookPlan struct {
	Package string        `yaml:"package"`
	Output  string        `yaml:"output"`
	Hooks   []plannedHook `yaml:"hooks"`
}

type plannedHook struct {
	Method  string   `yaml:"method"`
	Adapter string   `yaml:"adapter"`
	Rules   []string `yaml:"rules"`
}

func newToolexecCommand(root *rootOptions) *cobra.Command {
	var planFile string
	cmd := &cobra.Command{
		Use:   "toolexec TOOL [ARGS...]",
		Short: "Run a build tool, planning the hooks of every compiled package",
		Long: `Run a Go build tool the way go build -toolexec does. Compiler invocations are
scanned and resolved against the settings; the planned hooks are logged and, with
--plan-file, appended to a file.

  go build -toolexec "goagent toolexec --config agent.yaml --plan-file hooks.yaml" ./...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFrom(cmd.Context())
			if opt := parseCompileOption(args); opt != nil && opt.Package != "" && opt.Output != "" {
				logger.Debug("compile", "options", opt.String())
				plan, err := root.planCompile(cmd.Context(), opt, args[1:])
				switch {
				case err != nil:
					logger.Warn("hook planning failed", "package", opt.Package, "error", err)
				case len(plan.Hooks) > 0:
					logger.Info("planned hooks", "package", opt.Package, "hooks", len(plan.Hooks))
					if planFile != "" {
						if err := appendPlan(planFile, plan); err != nil {
							return err
						}
					}
				}
			}
			return executeCommand(cmd.Context(), args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	// everything after the tool belongs to the tool
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&planFile, "plan-file", "", "append planned hooks to this file")
	return cmd
}

// parseCompileOption extracts -p and -o from a compiler invocation such as
// "/go/pkg/tool/linux_amd64/compile -o $WORK/b001/_pkg_.a -p main -complete ./main.go".
// It returns nil for every other tool.
func parseCompileOption(args []string) *compileOptions {
	if len(args) == 0 {
		return nil
	}

	cmd := filepath.Base(args[0])
	if ext := filepath.Ext(cmd); ext != "" {
		cmd = strings.TrimSuffix(cmd, ext)
	}
	if cmd != "compile" {
		return nil
	}

	opt := &compileOptions{}
	i := 1
	for i < len(args)-1 {
		if args[i] == "" || args[i][0] != '-' {
			i += 1
			continue
		}

		kv := strings.SplitN(args[i], "=", 2)
		var valRef *string
		if kv[0] == "-p" {
			valRef = &opt.Package
		} else if kv[0] == "-o" {
			valRef = &opt.Output
		} else {
			if len(kv) == 2 {
				i += 1
			} else if args[i+1] == "" || (len(args[i+1]) > 1 && args[i+1][0] != '-') {
				i += 2
			} else {
				i += 1
			}
			continue
		}

		if len(kv) == 2 {
			*valRef = kv[1]
			i += 1
		} else {
			*valRef = args[i+1]
			i += 2
		}
	}

	return opt
}

// planCompile resolves the settings against the methods of the compiled package.
func (o *rootOptions) planCompile(ctx context.Context, opt *compileOptions, args []string) (*hookPlan, error) {
	descs, err := discovery.ScanFiles(opt.Package, args)
	if err != nil {
		return nil, err
	}
	if o.integrations {
		for _, i := range integrations {
			for _, d := range i.Descriptors() {
				if d.Package == opt.Package && !slices.ContainsFunc(descs, func(s *core.MethodDescriptor) bool { return s.ID() == d.ID() }) {
					descs = append(descs, d)
				}
			}
		}
	}
	plan := &hookPlan{Package: opt.Package, Output: opt.Output}
	if len(descs) == 0 {
		return plan, nil
	}
	settings, err := o.settings(o.configPaths)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*core.MethodDescriptor, len(descs))
	for _, d := range descs {
		byID[d.ID()] = d
	}
	res := resolve(loggerFrom(ctx), settings, descs)
	for id, err := range res.failures {
		loggerFrom(ctx).Warn("method left uninstrumented", "method", id, "error", err)
	}
	for id, hc := range res.hooks {
		plan.Hooks = append(plan.Hooks, plannedHook{Method: id, Adapter: adapterName(byID[id]), Rules: hc.SourceRules})
	}
	slices.SortFunc(plan.Hooks, func(a, b plannedHook) int { return strings.Compare(a.Method, b.Method) })
	return plan, nil
}

var symbolChars = regexp.MustCompile(`[/.\-@]`)

// adapterName is the name of the generated function a weaver calls on entry of desc.
func adapterName(desc *core.MethodDescriptor) string {
	var receiver string
	if desc.Receiver != nil {
		receiver = desc.Receiver.Name
	}
	return adapterPrefix + symbolChars.ReplaceAllString(desc.Package, "_") + "_" + receiver + desc.Name
}

func appendPlan(name string, plan *hookPlan) error {
	f, err := os.OpenFile(name, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, "---\n"); err != nil {
		f.Close()
		return err
	}
	if err := writeYAML(f, plan); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// executeCommand runs the tool with the caller's standard streams.
func executeCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
