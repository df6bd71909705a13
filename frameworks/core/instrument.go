package core

import (
	"embed"
)

// Instrument is a library integration shipped with the agent. FS holds its default
// settings documents, Descriptors the methods it drives through interceptors.
type Instrument interface {
	BasePackage() string
	Descriptors() []*MethodDescriptor
	FS() *embed.FS
}
