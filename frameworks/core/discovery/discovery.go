// Package discovery scans Go sources for the methods and functions an agent can hook
// and renders them as method descriptors.
package discovery

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"golang.org/x/mod/modfile"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
)

// AnnotationPrefix starts a directive comment that annotates a type or function,
// for example "//goagent:traced".
const AnnotationPrefix = "//goagent:"

// pkgScan collects the declarations of one package across its files; receivers are
// only known once every file has been read.
type pkgScan struct {
	path    string
	types   map[string]*core.TypeDescriptor
	methods []*methodDecl
}

type methodDecl struct {
	desc     *core.MethodDescriptor
	receiver string
}

func newPkgScan(importPath string) *pkgScan {
	return &pkgScan{path: importPath, types: map[string]*core.TypeDescriptor{}}
}

func (p *pkgScan) typeDescriptor(name string) *core.TypeDescriptor {
	t := p.types[name]
	if t == nil {
		t = &core.TypeDescriptor{Package: p.path, Name: name}
		p.types[name] = t
	}
	return t
}

// ScanFile parses one file of the package importPath. src follows go/parser: when nil
// the file is read from filename.
func ScanFile(importPath, filename string, src any) ([]*core.MethodDescriptor, error) {
	p := newPkgScan(importPath)
	if err := p.add(filename, src); err != nil {
		return nil, err
	}
	return p.descriptors(), nil
}

// ScanDir scans the non-test Go files directly inside dir as the package importPath.
func ScanDir(dir, importPath string) ([]*core.MethodDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	p := newPkgScan(importPath)
	for _, entry := range entries {
		if entry.IsDir() || !isSource(entry.Name()) {
			continue
		}
		if err := p.add(filepath.Join(dir, entry.Name()), nil); err != nil {
			return nil, err
		}
	}
	return p.descriptors(), nil
}

// ScanFiles scans the given files as a single package, skipping anything that is not
// a non-test Go source. This is the shape of a compiler invocation.
func ScanFiles(importPath string, files []string) ([]*core.MethodDescriptor, error) {
	p := newPkgScan(importPath)
	for _, f := range files {
		if !isSource(filepath.Base(f)) {
			continue
		}
		if err := p.add(f, nil); err != nil {
			return nil, err
		}
	}
	return p.descriptors(), nil
}

// ScanModule scans every package of the module rooted at root. Nested modules, vendor,
// testdata and directories starting with "." or "_" are skipped.
func ScanModule(root string) ([]*core.MethodDescriptor, error) {
	modPath, err := ModulePath(root)
	if err != nil {
		return nil, err
	}
	var out []*core.MethodDescriptor
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root {
			name := d.Name()
			if name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			if _, err := os.Stat(filepath.Join(p, "go.mod")); err == nil {
				return filepath.SkipDir
			}
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		descs, err := ScanDir(p, path.Join(modPath, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		out = append(out, descs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortDescriptors(out)
	return out, nil
}

// ModulePath reads the module path from root/go.mod.
func ModulePath(root string) (string, error) {
	name := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(name)
	if err != nil {
		return "", err
	}
	f, err := modfile.ParseLax(name, data, nil)
	if err != nil {
		return "", err
	}
	if f.Module == nil {
		return "", fmt.Errorf("%s: no module directive", name)
	}
	return f.Module.Mod.Path, nil
}

func isSource(name string) bool {
	return strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go")
}

func (p *pkgScan) add(filename string, src any) error {
	file, err := decorator.ParseFile(token.NewFileSet(), filename, src, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *dst.GenDecl:
			p.genDecl(d)
		case *dst.FuncDecl:
			p.funcDecl(d)
		}
	}
	return nil
}

func (p *pkgScan) genDecl(d *dst.GenDecl) {
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *dst.TypeSpec:
			st, ok := s.Type.(*dst.StructType)
			if !ok {
				continue
			}
			t := p.typeDescriptor(s.Name.Name)
			t.Annotations = appendAnnotations(t.Annotations, d.Decs.Start)
			t.Annotations = appendAnnotations(t.Annotations, s.Decs.Start)
			for _, f := range st.Fields.List {
				if len(f.Names) == 0 {
					t.Embeds = append(t.Embeds, typeString(unstar(f.Type)))
				}
			}
		case *dst.ValueSpec:
			// var _ Iface = (*T)(nil)
			if d.Tok != token.VAR || s.Type == nil || len(s.Names) != 1 || s.Names[0].Name != "_" || len(s.Values) != 1 {
				continue
			}
			if name := assertedType(s.Values[0]); name != "" {
				t := p.typeDescriptor(name)
				t.Interfaces = append(t.Interfaces, typeString(s.Type))
			}
		}
	}
}

func (p *pkgScan) funcDecl(d *dst.FuncDecl) {
	desc := &core.MethodDescriptor{
		Package:     p.path,
		Name:        d.Name.Name,
		Params:      fieldTypes(d.Type.Params),
		Results:     fieldTypes(d.Type.Results),
		Annotations: appendAnnotations(nil, d.Decs.Start),
	}
	m := &methodDecl{desc: desc}
	if d.Recv != nil && len(d.Recv.List) == 1 {
		recv := d.Recv.List[0].Type
		if star, ok := recv.(*dst.StarExpr); ok {
			desc.PointerReceiver = true
			recv = star.X
		}
		m.receiver = typeString(generic(recv))
	}
	p.methods = append(p.methods, m)
}

func (p *pkgScan) descriptors() []*core.MethodDescriptor {
	out := make([]*core.MethodDescriptor, 0, len(p.methods))
	for _, m := range p.methods {
		if m.receiver != "" {
			m.desc.Receiver = p.typeDescriptor(m.receiver)
		}
		out = append(out, m.desc)
	}
	sortDescriptors(out)
	return out
}

func sortDescriptors(descs []*core.MethodDescriptor) {
	slices.SortStableFunc(descs, func(a, b *core.MethodDescriptor) int {
		return strings.Compare(a.ID(), b.ID())
	})
}

// appendAnnotations adds the names of the //goagent: directives found in decs.
func appendAnnotations(out []string, decs dst.Decorations) []string {
	for _, c := range decs.All() {
		for _, line := range strings.Split(c, "\n") {
			rest, ok := strings.CutPrefix(strings.TrimSpace(line), AnnotationPrefix)
			if !ok {
				continue
			}
			name, _, _ := strings.Cut(rest, " ")
			if name != "" && !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// assertedType extracts T from (*T)(nil), &T{} or T{}.
func assertedType(e dst.Expr) string {
	switch v := e.(type) {
	case *dst.CallExpr:
		if len(v.Args) != 1 {
			return ""
		}
		return localType(unparen(v.Fun))
	case *dst.UnaryExpr:
		if v.Op == token.AND {
			return assertedType(v.X)
		}
	case *dst.CompositeLit:
		return localType(v.Type)
	}
	return ""
}

func localType(e dst.Expr) string {
	if id, ok := generic(unstar(unparen(e))).(*dst.Ident); ok {
		return id.Name
	}
	return ""
}

func unparen(e dst.Expr) dst.Expr {
	for {
		p, ok := e.(*dst.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}

func unstar(e dst.Expr) dst.Expr {
	if s, ok := e.(*dst.StarExpr); ok {
		return s.X
	}
	return e
}

// generic strips type arguments from an instantiated receiver such as List[T].
func generic(e dst.Expr) dst.Expr {
	switch v := e.(type) {
	case *dst.IndexExpr:
		return v.X
	case *dst.IndexListExpr:
		return v.X
	}
	return e
}

func fieldTypes(fields *dst.FieldList) []string {
	if fields == nil {
		return nil
	}
	var out []string
	for _, f := range fields.List {
		t := typeString(f.Type)
		n := max(len(f.Names), 1)
		for range n {
			out = append(out, t)
		}
	}
	return out
}

// typeString renders a type expression the way it is written in source, with
// package qualifiers as imported, for example "*gin.Context" or "map[string][]byte".
func typeString(e dst.Expr) string {
	var sb strings.Builder
	writeType(&sb, e)
	return sb.String()
}

func writeType(sb *strings.Builder, e dst.Expr) {
	switch v := e.(type) {
	case nil:
	case *dst.Ident:
		if v.Path != "" {
			sb.WriteString(path.Base(v.Path))
			sb.WriteByte('.')
		}
		sb.WriteString(v.Name)
	case *dst.SelectorExpr:
		writeType(sb, v.X)
		sb.WriteByte('.')
		sb.WriteString(v.Sel.Name)
	case *dst.StarExpr:
		sb.WriteByte('*')
		writeType(sb, v.X)
	case *dst.ParenExpr:
		writeType(sb, v.X)
	case *dst.Ellipsis:
		sb.WriteString("...")
		writeType(sb, v.Elt)
	case *dst.ArrayType:
		sb.WriteByte('[')
		if v.Len != nil {
			if lit, ok := v.Len.(*dst.BasicLit); ok {
				sb.WriteString(lit.Value)
			} else {
				sb.WriteString("...")
			}
		}
		sb.WriteByte(']')
		writeType(sb, v.Elt)
	case *dst.MapType:
		sb.WriteString("map[")
		writeType(sb, v.Key)
		sb.WriteByte(']')
		writeType(sb, v.Value)
	case *dst.ChanType:
		switch v.Dir {
		case dst.RECV:
			sb.WriteString("<-chan ")
		case dst.SEND:
			sb.WriteString("chan<- ")
		default:
			sb.WriteString("chan ")
		}
		writeType(sb, v.Value)
	case *dst.FuncType:
		sb.WriteString("func(")
		sb.WriteString(strings.Join(fieldTypes(v.Params), ", "))
		sb.WriteByte(')')
		switch results := fieldTypes(v.Results); len(results) {
		case 0:
		case 1:
			sb.WriteByte(' ')
			sb.WriteString(results[0])
		default:
			sb.WriteString(" (" + strings.Join(results, ", ") + ")")
		}
	case *dst.InterfaceType:
		if v.Methods == nil || len(v.Methods.List) == 0 {
			sb.WriteString("interface{}")
		} else {
			sb.WriteString("interface{...}")
		}
	case *dst.StructType:
		if v.Fields == nil || len(v.Fields.List) == 0 {
			sb.WriteString("struct{}")
		} else {
			sb.WriteString("struct{...}")
		}
	case *dst.IndexExpr:
		writeType(sb, v.X)
		sb.WriteByte('[')
		writeType(sb, v.Index)
		sb.WriteByte(']')
	case *dst.IndexListExpr:
		writeType(sb, v.X)
		sb.WriteByte('[')
		for i, idx := range v.Indices {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeType(sb, idx)
		}
		sb.WriteByte(']')
	default:
		fmt.Fprintf(sb, "%T", e)
	}
}
