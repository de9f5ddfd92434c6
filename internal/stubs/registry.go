// Package stubs is the minimal Android runtime the vendor libraries link
// against. Each stub package registers its symbols via init(); Resolve
// binds every import of the loaded libraries once, and the dispatcher
// runs the bound stub whenever guest code reaches an import trap.
package stubs

import (
	"fmt"
	"sort"
	"sync"

	glog "github.com/zboralski/anisette/internal/log"
	"go.uber.org/zap"
)

// Kind selects how a stub behaves when it is bound.
type Kind int

const (
	// Const returns a fixed value in X0.
	Const Kind = iota
	// Func runs a host hook.
	Func
	// Data binds the import to an object in the runtime data arena. It is
	// never called.
	Data
	// Fatal binds the import but aborts the call if it is ever executed.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Const:
		return "const"
	case Func:
		return "func"
	case Data:
		return "data"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HookFunc implements a Func stub. The returned value is written to X0; an
// error aborts the running guest call.
type HookFunc func(env *Env) (uint64, error)

// DataFunc fills a Data stub's object after it is allocated.
type DataFunc func(env *Env, addr uint64) error

// StubDef defines a stub with its symbol name and behaviour.
type StubDef struct {
	Name     string   // Symbol name (e.g., "malloc", "pthread_create")
	Aliases  []string // Alternative symbol names
	Category string   // For logging: "libc", "pthread", "android", ...
	Kind     Kind

	Value uint64   // Const
	Hook  HookFunc // Func
	Size  uint64   // Data
	Init  DataFunc // Data, optional
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]*StubDef)}
}

// Register adds a stub definition to the registry. A later registration of
// the same name replaces the earlier one.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}

	if Debug {
		glog.L.Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Stringer("kind", def.Kind),
			zap.Strings("aliases", def.Aliases),
		)
	}
}

// RegisterFunc registers a host hook.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{Name: name, Aliases: aliases, Category: category, Kind: Func, Hook: hook})
}

// RegisterConst registers names that return value without side effects.
func (r *Registry) RegisterConst(category string, value uint64, names ...string) {
	for _, name := range names {
		r.Register(StubDef{Name: name, Category: category, Kind: Const, Value: value})
	}
}

// RegisterData registers a data object of size bytes.
func (r *Registry) RegisterData(category, name string, size uint64, init DataFunc) {
	r.Register(StubDef{Name: name, Category: category, Kind: Data, Size: size, Init: init})
}

// RegisterFatal registers names the vendor code imports but must never call.
func (r *Registry) RegisterFatal(category string, names ...string) {
	for _, name := range names {
		r.Register(StubDef{Name: name, Category: category, Kind: Fatal})
	}
}

// Lookup returns the stub registered under name.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	return def, ok
}

// Count returns the number of registered names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns every registered name in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stubs))
	for name := range r.stubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Debug enables verbose logging during registration.
var Debug = false

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a host hook to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// RegisterConst adds constant stubs to the default registry.
func RegisterConst(category string, value uint64, names ...string) {
	DefaultRegistry.RegisterConst(category, value, names...)
}

// RegisterData adds a data object to the default registry.
func RegisterData(category, name string, size uint64, init DataFunc) {
	DefaultRegistry.RegisterData(category, name, size, init)
}

// RegisterFatal adds fatal stubs to the default registry.
func RegisterFatal(category string, names ...string) {
	DefaultRegistry.RegisterFatal(category, names...)
}

// Lookup finds a stub in the default registry.
func Lookup(name string) (*StubDef, bool) {
	return DefaultRegistry.Lookup(name)
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
