package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported configuration format")

type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatOf derives the format from the file extension.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
}

// Parse decodes one document. filename is used in diagnostics only.
func Parse(data []byte, format Format, filename string) (*Settings, error) {
	switch format {
	case FormatYAML:
		var s Settings
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				return &s, nil
			}
			return nil, fmt.Errorf("decode %s: %w", filename, err)
		}
		return &s, nil
	case FormatHCL:
		return parseHCL(data, filename)
	}
	return nil, fmt.Errorf("%s: %w", format, ErrUnsupportedFormat)
}

// LoadFile parses a single file, choosing the format from its extension.
func LoadFile(name string) (*Settings, error) {
	format, err := FormatOf(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return Parse(data, format, name)
}

// Load reads every path, descending into directories, and merges the documents in
// order; files inside a directory are merged in lexical order.
func Load(paths ...string) (*Settings, error) {
	files, err := configFiles(paths)
	if err != nil {
		return nil, err
	}
	out := &Settings{}
	for _, f := range files {
		s, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		out = Merge(out, s)
	}
	return out, nil
}

// LoadFS reads every document of fsys matching one of patterns, in lexical order.
func LoadFS(fsys fs.FS, patterns ...string) (*Settings, error) {
	var names []string
	for _, p := range patterns {
		matches, err := fs.Glob(fsys, p)
		if err != nil {
			return nil, err
		}
		names = append(names, matches...)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	out := &Settings{}
	for _, name := range names {
		format, err := FormatOf(name)
		if err != nil {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		s, err := Parse(data, format, name)
		if err != nil {
			return nil, err
		}
		out = Merge(out, s)
	}
	return out, nil
}

func configFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		var inDir []string
		err = filepath.WalkDir(p, func(name string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if _, err := FormatOf(name); err == nil {
				inDir = append(inDir, name)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		slices.Sort(inDir)
		files = append(files, inDir...)
	}
	return files, nil
}
