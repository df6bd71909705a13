package core

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TypeDescriptor describes a named type that owns methods.
type TypeDescriptor struct {
	Package     string   `yaml:"package"`
	Name        string   `yaml:"name"`
	Embeds      []string `yaml:"embeds,omitempty"`
	Interfaces  []string `yaml:"interfaces,omitempty"`
	Annotations []string `yaml:"annotations,omitempty"`
}

// MethodDescriptor describes a candidate method or function. Receiver is nil for
// package level functions.
type MethodDescriptor struct {
	Package         string          `yaml:"package"`
	Receiver        *TypeDescriptor `yaml:"receiver,omitempty"`
	PointerReceiver bool            `yaml:"pointer-receiver,omitempty"`
	Name            string          `yaml:"name"`
	Params          []string        `yaml:"params,omitempty"`
	Results         []string        `yaml:"results,omitempty"`
	Annotations     []string        `yaml:"annotations,omitempty"`
}

// ID renders the method the way the Go toolchain names symbols, for example
// "github.com/gin-gonic/gin.(*Engine).handleHTTPRequest".
func (m *MethodDescriptor) ID() string {
	var sb strings.Builder
	sb.WriteString(m.Package)
	sb.WriteByte('.')
	if m.Receiver != nil {
		if m.PointerReceiver {
			sb.WriteString("(*")
			sb.WriteString(m.Receiver.Name)
			sb.WriteString(").")
		} else {
			sb.WriteString(m.Receiver.Name)
			sb.WriteByte('.')
		}
	}
	sb.WriteString(m.Name)
	return sb.String()
}

func (m *MethodDescriptor) Exported() bool {
	r, _ := utf8.DecodeRuneInString(m.Name)
	return unicode.IsUpper(r)
}

func (m *MethodDescriptor) String() string {
	return m.ID()
}
