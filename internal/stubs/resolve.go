package stubs

import (
	"errors"
	"fmt"

	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/loader"
	glog "github.com/zboralski/anisette/internal/log"
	"go.uber.org/zap"
)

var (
	// ErrUnresolvedSymbol is wrapped by UnresolvedError.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")

	// ErrFatalImport is returned when guest code calls a stub that must
	// never run.
	ErrFatalImport = errors.New("fatal import called")

	// ErrNoStub is returned for a trap address nothing was bound to.
	ErrNoStub = errors.New("no stub bound")
)

// UnresolvedError names an import with no export, no stub and no weak
// binding.
type UnresolvedError struct {
	Library string
	Name    string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved symbol %s (imported by %s)", e.Name, e.Library)
}

func (e *UnresolvedError) Unwrap() error { return ErrUnresolvedSymbol }

// Binding sources.
const (
	SourceExport = "export"
	SourceStub   = "stub"
	SourceData   = "data"
	SourceWeak   = "weak"
)

// Binding records how one import was resolved.
type Binding struct {
	Library string
	Name    string
	Source  string
	From    string // exporting library for SourceExport
	Addr    uint64
	Def     *StubDef
}

// Dispatcher runs the stub bound to an import trap.
type Dispatcher struct {
	env      *Env
	traps    map[uint64]*Binding
	bindings []*Binding
	calls    map[string]int
}

// Resolve binds every import of libs, in library order and then dynsym
// index order, against (1) exports of the other libraries, (2) the stub
// registry and (3) zero for weak imports. It then writes every import
// relocation site and installs the dispatcher as the trap handler.
//
// The first import that cannot be bound fails resolution with an
// *UnresolvedError.
func Resolve(env *Env, reg *Registry, libs []*loader.Library) (*Dispatcher, error) {
	d := &Dispatcher{
		env:   env,
		traps: make(map[uint64]*Binding),
		calls: make(map[string]int),
	}
	env.Libraries = libs

	var unresolved *UnresolvedError
	for _, lib := range libs {
		if err := d.resolveLibrary(lib, libs, reg, &unresolved); err != nil {
			return nil, err
		}
	}
	if unresolved != nil {
		return nil, fmt.Errorf("stubs: %w", unresolved)
	}

	for _, lib := range libs {
		if err := lib.Bind(env.Emulator); err != nil {
			return nil, err
		}
	}
	env.SetTrapHandler(d.dispatch)
	return d, nil
}

func (d *Dispatcher) resolveLibrary(lib *loader.Library, libs []*loader.Library, reg *Registry, unresolved **UnresolvedError) error {
	if len(lib.Imports) == 0 {
		return nil
	}
	maxIndex := 0
	for _, imp := range lib.Imports {
		maxIndex = max(maxIndex, imp.Index)
	}
	if _, err := d.env.MapTraps(lib.Slot, maxIndex+1); err != nil {
		return fmt.Errorf("stubs: %s: %w", lib.Name, err)
	}

	for _, imp := range lib.Imports {
		b := &Binding{Library: lib.Name, Name: imp.Name}

		if from, addr, ok := exportOf(imp.Name, lib, libs); ok {
			b.Source, b.From, b.Addr = SourceExport, from, addr
		} else if def, ok := reg.Lookup(imp.Name); ok {
			b.Def = def
			if def.Kind == Data {
				addr, err := d.object(imp.Name, def)
				if err != nil {
					return err
				}
				b.Source, b.Addr = SourceData, addr
			} else {
				b.Source, b.Addr = SourceStub, emulator.TrapAddress(lib.Slot, imp.Index)
				d.traps[b.Addr] = b
			}
		} else if imp.Weak {
			b.Source = SourceWeak
		} else {
			glog.L.Warn("unresolved import", zap.String("lib", lib.Name), glog.Fn(imp.Name))
			if *unresolved == nil {
				*unresolved = &UnresolvedError{Library: lib.Name, Name: imp.Name}
			}
			continue
		}

		imp.Addr, imp.Bound = b.Addr, true
		d.bindings = append(d.bindings, b)
		glog.L.Bind(lib.Name, imp.Name, b.Addr, b.Source)
	}
	return nil
}

func exportOf(name string, self *loader.Library, libs []*loader.Library) (string, uint64, bool) {
	for _, other := range libs {
		if other == self {
			continue
		}
		if addr, ok := other.Export(name); ok {
			return other.Name, addr, true
		}
	}
	return "", 0, false
}

// object allocates a data stub once per session.
func (d *Dispatcher) object(name string, def *StubDef) (uint64, error) {
	if addr, ok := d.env.objects[name]; ok {
		return addr, nil
	}
	addr := d.env.Data().Alloc(max(def.Size, 8))
	if addr == 0 {
		return 0, fmt.Errorf("stubs: data %s: %w", name, emulator.ErrOutOfAddressSpace)
	}
	d.env.objects[name] = addr
	if def.Init != nil {
		if err := def.Init(d.env, addr); err != nil {
			return 0, fmt.Errorf("stubs: data %s: %w", name, err)
		}
	}
	return addr, nil
}

func (d *Dispatcher) dispatch(emu *emulator.Emulator, addr uint64) error {
	b := d.traps[addr]
	if b == nil {
		return fmt.Errorf("stubs: trap 0x%x: %w", addr, ErrNoStub)
	}
	d.calls[b.Name]++

	prev := d.env.current
	d.env.current = b
	defer func() { d.env.current = prev }()

	switch b.Def.Kind {
	case Const:
		d.env.Log("-> " + FormatHex(b.Def.Value))
		return emu.SetX(0, b.Def.Value)

	case Func:
		ret, err := b.Def.Hook(d.env)
		if err != nil {
			return fmt.Errorf("stubs: %s: %w", b.Name, err)
		}
		return emu.SetX(0, ret)

	default:
		glog.L.Warn("fatal import", zap.String("lib", b.Library), glog.Fn(b.Name), glog.Ptr("lr", emu.LR()))
		return fmt.Errorf("stubs: %s called from 0x%x: %w", b.Name, emu.LR(), ErrFatalImport)
	}
}

// Env returns the environment hooks run in.
func (d *Dispatcher) Env() *Env { return d.env }

// Bindings returns every resolved import in resolution order.
func (d *Dispatcher) Bindings() []*Binding {
	return append([]*Binding(nil), d.bindings...)
}

// Calls returns the number of dispatches per symbol.
func (d *Dispatcher) Calls() map[string]int {
	out := make(map[string]int, len(d.calls))
	for k, v := range d.calls {
		out[k] = v
	}
	return out
}
