package core

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// GetGLS and SetGLS are the goroutine-local slot seam. The defaults key a table by
// goroutine id; a runtime with native goroutine-local storage can replace both.
var (
	GetGLS = defaultSlots.get
	SetGLS = defaultSlots.set
)

var defaultSlots = &goroutineSlots{}

type goroutineSlots struct {
	values sync.Map
}

func (g *goroutineSlots) get() interface{} {
	v, _ := g.values.Load(goroutineID())
	return v
}

func (g *goroutineSlots) set(v interface{}) {
	if v == nil {
		g.values.Delete(goroutineID())
		return
	}
	g.values.Store(goroutineID(), v)
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id from the first line of the current stack, "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
