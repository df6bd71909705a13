package core

// Invocation is the view of one intercepted call shared between the BeforeInvoke and
// AfterInvoke halves of an interceptor.
type Invocation struct {
	CallerInstance interface{}
	Args           []interface{}

	Continue bool
	Return   []interface{}
	Thrown   error

	// Context is the handle returned by BeforeInvoke; the weaver keeps it until AfterInvoke.
	Context interface{}
}

type Interceptor interface {
	BeforeInvoke(invocation *Invocation) error
	AfterInvoke(invocation *Invocation, result ...interface{}) error
}

// NoopInterceptor is handed out for methods without an installed hook.
type NoopInterceptor struct{}

func (NoopInterceptor) BeforeInvoke(*Invocation) error { return nil }

func (NoopInterceptor) AfterInvoke(*Invocation, ...interface{}) error { return nil }
