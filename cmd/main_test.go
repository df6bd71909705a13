package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/resolver"
	"github.com/mrproliu/go-agent-runtime/frameworks/gin"
)

const checkoutID = "example.com/app/shop.(*Server).Checkout"

const shopSource = `package shop

import "context"

type Server struct{}

func (s *Server) Checkout(ctx context.Context, id string) error { return nil }

func (s *Server) Refund(id string) error { return nil }
`

const checkoutRule = `
instrumentation:
  data-providers:
    get_arg:
      inputs: {arg1: string}
      value: arg1
  rules:
    checkout:
      scopes:
        - package: {name: example.com/app/shop}
          methods: [{name: Checkout}]
      entry:
        order_id: {provider: get_arg}
      tracing:
        start-span: true
        kind: SERVER
`

const refundRule = `
instrumentation:
  data-providers:
    get_arg:
      inputs: {arg0: string}
      value: arg0
  rules:
    refund:
      scopes:
        - package: {name: example.com/app/shop}
          methods: [{name: Refund}]
      entry:
        order_id: {provider: get_arg}
`

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	p := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newModule(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "go.mod", "module example.com/app\n\ngo 1.24\n")
	writeFile(t, root, "shop/shop.go", shopSource)
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(&out, &errOut, args)
	return out.String(), err
}

func TestParseCompileOption(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want *compileOptions
	}{
		{name: "empty"},
		{name: "other tool", args: []string{"/go/pkg/tool/linux_amd64/link", "-o", "a.out"}},
		{
			name: "compile",
			args: []string{"/go/pkg/tool/linux_amd64/compile", "-o", "/work/b001/_pkg_.a", "-trimpath", "/work/b001=>", "-p", "main", "-complete", "./main.go"},
			want: &compileOptions{Package: "main", Output: "/work/b001/_pkg_.a"},
		},
		{
			name: "windows with equals",
			args: []string{"/go/pkg/tool/windows_amd64/compile.exe", "-p=github.com/gin-gonic/gin", "-o=b002.a", "-lang=go1.21", "gin.go"},
			want: &compileOptions{Package: "github.com/gin-gonic/gin", Output: "b002.a"},
		},
		{
			name: "version query",
			args: []string{"/go/pkg/tool/linux_amd64/compile", "-V=full"},
			want: &compileOptions{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCompileOption(tt.args))
		})
	}
}

func TestAdapterName(t *testing.T) {
	descs := gin.Instrument{}.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "_goagent_enhance_github_com_gin_gonic_gin_EnginehandleHTTPRequest", adapterName(descs[0]))
	assert.Equal(t, "_goagent_enhance_example_com_shop_New",
		adapterName(&core.MethodDescriptor{Package: "example.com/shop", Name: "New"}))
}

func TestResolveCommand(t *testing.T) {
	module := newModule(t)
	cfg := writeFile(t, t.TempDir(), "agent.yaml", checkoutRule)

	out, err := execute(t, "resolve", "--config", cfg, "--module", module)
	require.NoError(t, err)

	var got report
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, hookSummary{
		Rules: []string{"checkout"},
		Entry: []string{"order_id <- get_arg"},
		Span:  "start SERVER",
	}, got.Hooks[checkoutID])
	assert.Contains(t, got.Hooks, gin.HandlerMethodID)
	assert.Len(t, got.Hooks, 2)
	assert.Empty(t, got.RuleErrors)

	out, err = execute(t, "resolve", "--config", cfg, "--module", module, "--integrations=false")
	require.NoError(t, err)
	got = report{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Len(t, got.Hooks, 1)
}

func TestResolveReportsRuleErrors(t *testing.T) {
	module := newModule(t)
	cfg := writeFile(t, t.TempDir(), "agent.yaml", `
instrumentation:
  rules:
    broken:
      include: [missing]
`)
	out, err := execute(t, "resolve", "-c", cfg, "-m", module, "--integrations=false")
	require.NoError(t, err)
	var got report
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Empty(t, got.Hooks)
	assert.Contains(t, got.RuleErrors["broken"], "missing")
}

func TestDiffCommand(t *testing.T) {
	module := newModule(t)
	dir := t.TempDir()
	from := writeFile(t, dir, "from.yaml", checkoutRule)
	to := writeFile(t, dir, "to.yaml", refundRule)

	out, err := execute(t, "diff", "--from", from, "--to", to, "-m", module, "--exit-code")
	require.ErrorIs(t, err, errChanges)

	var got []changeSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, checkoutID, got[0].Method)
	assert.Equal(t, resolver.Removed, got[0].Kind)
	assert.Nil(t, got[0].Next)
	assert.Equal(t, "example.com/app/shop.(*Server).Refund", got[1].Method)
	assert.Equal(t, resolver.Added, got[1].Kind)
	assert.Equal(t, []string{"refund"}, got[1].Next.Rules)

	out, err = execute(t, "diff", "--from", from, "--config", from, "-m", module, "--exit-code")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestDiffNeedsBothSides(t *testing.T) {
	_, err := execute(t, "diff", "--from", "a.yaml")
	assert.ErrorContains(t, err, "--to")
}

func TestPlanCompile(t *testing.T) {
	module := newModule(t)
	cfg := writeFile(t, t.TempDir(), "agent.yaml", checkoutRule)
	root := &rootOptions{configPaths: []string{cfg}, integrations: true}

	opt := &compileOptions{Package: "example.com/app/shop", Output: "_pkg_.a"}
	plan, err := root.planCompile(context.Background(), opt, []string{
		"-trimpath", filepath.Join(module, "shop", "shop.go"),
	})
	require.NoError(t, err)
	assert.Equal(t, []plannedHook{{
		Method:  checkoutID,
		Adapter: "_goagent_enhance_example_com_app_shop_ServerCheckout",
		Rules:   []string{"checkout"},
	}}, plan.Hooks)

	planFile := filepath.Join(t.TempDir(), "hooks.yaml")
	require.NoError(t, appendPlan(planFile, plan))
	require.NoError(t, appendPlan(planFile, plan))
	data, err := os.ReadFile(planFile)
	require.NoError(t, err)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs int
	for {
		var p hookPlan
		if err := dec.Decode(&p); err != nil {
			break
		}
		assert.Equal(t, "example.com/app/shop", p.Package)
		docs++
	}
	assert.Equal(t, 2, docs)
}

func TestPlanCompileAddsIntegrationMethods(t *testing.T) {
	root := &rootOptions{integrations: true}
	plan, err := root.planCompile(context.Background(), &compileOptions{Package: gin.BasePackage, Output: "b.a"}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Hooks, 1)
	assert.Equal(t, gin.HandlerMethodID, plan.Hooks[0].Method)
	assert.Equal(t, []string{"gin_server"}, plan.Hooks[0].Rules)
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GOAGENT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprint(os.Stdout, "tool output")
	os.Exit(3)
}

func TestToolexecRunsTool(t *testing.T) {
	t.Setenv("GOAGENT_HELPER_PROCESS", "1")
	out, err := execute(t, "toolexec", os.Args[0], "-test.run=TestHelperProcess")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Equal(t, "tool output", out)
}

func TestLoggerFlags(t *testing.T) {
	_, err := execute(t, "scan", "--log-format", "xml")
	assert.ErrorContains(t, err, "unknown log format")
	_, err = execute(t, "scan", "--log-level", "loud")
	assert.ErrorContains(t, err, "log level")

	var buf bytes.Buffer
	logger, err := newLogger("debug", "json", &buf)
	require.NoError(t, err)
	loggerFrom(withLogger(context.Background(), logger)).Debug("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestScanCommand(t *testing.T) {
	module := newModule(t)
	out, err := execute(t, "scan", "-m", module, "--integrations=false")
	require.NoError(t, err)
	var descs []*core.MethodDescriptor
	require.NoError(t, yaml.Unmarshal([]byte(out), &descs))
	require.Len(t, descs, 2)
	assert.Equal(t, checkoutID, descs[0].ID())
	assert.Equal(t, []string{"context.Context", "string"}, descs[0].Params)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchCommand(t *testing.T) {
	module := newModule(t)
	dir := t.TempDir()
	cfg := writeFile(t, dir, "agent.yaml", checkoutRule)

	var out, errOut syncBuffer
	cmd := newRootCommand(&out, &errOut)
	cmd.SetArgs([]string{"watch", "-c", dir, "-m", module, "--integrations=false"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "added\t"+checkoutID)
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(cfg, []byte(refundRule), 0o644))
	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "removed\t"+checkoutID) && strings.Contains(s, "added\texample.com/app/shop.(*Server).Refund")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchNeedsConfig(t *testing.T) {
	_, err := execute(t, "watch")
	assert.ErrorContains(t, err, "--config")
}
