package revival

import (
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/openjdk/revival/vmem"
)

// CallDescriptor describes one call of a native function: its address and
// its word-sized arguments. Arity is the number of arguments the callee
// expects and must equal len(Args).
type CallDescriptor struct {
	Addr  uint64
	Args  []uint64
	Arity int
}

// NewCall returns the descriptor of a call of the function at addr with
// args.
func NewCall(addr uint64, args ...uint64) (CallDescriptor, error) {
	if len(args) > vmem.MaxArgs {
		return CallDescriptor{}, errors.Errorf("call of 0x%x with %d arguments, at most %d supported", addr, len(args), vmem.MaxArgs)
	}
	return CallDescriptor{Addr: addr, Args: args, Arity: len(args)}, nil
}

// Resolver finds symbols of the revived runtime library and calls them.
// The symbol file written at create time is consulted before the loaded
// library's export table.
type Resolver struct {
	symbols SymbolTable
	lib     vmem.Library // may be nil
	mem     vmem.AddressSpace
	inv     vmem.Invoker
	logger  log.Logger
}

// NewResolver returns a resolver over the given symbol table and library.
func NewResolver(symbols SymbolTable, lib vmem.Library, sys vmem.System, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Resolver{symbols: symbols, lib: lib, mem: sys, inv: sys, logger: logger}
}

// Resolve returns the address of the named symbol.
func (r *Resolver) Resolve(name string) (uint64, error) {
	if s, ok := r.symbols[name]; ok {
		return s.Addr, nil
	}
	if r.lib == nil {
		return 0, errors.Wrap(ErrSymbolNotFound, name)
	}
	addr, err := r.lib.Lookup(name)
	if err != nil || addr == 0 {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%s: %v", name, err)
	}
	level.Debug(r.logger).Log("msg", "resolved symbol from library", "symbol", name, "addr", hexAddr(addr))
	return addr, nil
}

// Call resolves the named function and calls it with args. The result is
// the function's return register, which callers may ignore.
func (r *Resolver) Call(name string, args ...uint64) (uint64, error) {
	addr, err := r.Resolve(name)
	if err != nil {
		return 0, err
	}
	d, err := NewCall(addr, args...)
	if err != nil {
		return 0, errors.Wrap(err, name)
	}
	ret, err := r.Invoke(d)
	return ret, errors.Wrap(err, name)
}

// Invoke performs the call described by d.
func (r *Resolver) Invoke(d CallDescriptor) (uint64, error) {
	if d.Arity != len(d.Args) {
		return 0, errors.Errorf("call of 0x%x expects %d arguments, got %d", d.Addr, d.Arity, len(d.Args))
	}
	level.Debug(r.logger).Log("msg", "calling", "addr", hexAddr(d.Addr), "args", len(d.Args))
	return r.inv.Invoke(d.Addr, d.Args...)
}

// Deref resolves the named symbol and reads the pointer-sized word stored
// there.
func (r *Resolver) Deref(name string) (uint64, error) {
	addr, err := r.Resolve(name)
	if err != nil {
		return 0, err
	}
	return r.ReadWord(addr)
}

// ReadWord reads the little-endian word at addr.
func (r *Resolver) ReadWord(addr uint64) (uint64, error) {
	var b [8]byte
	if err := r.mem.Read(addr, b[:]); err != nil {
		return 0, errors.Wrapf(err, "read word at 0x%x", addr)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadCString reads a NUL-terminated string of at most limit bytes at addr.
func (r *Resolver) ReadCString(addr uint64, limit int) (string, error) {
	if addr == 0 {
		return "", nil
	}
	var out []byte
	var b [1]byte
	for len(out) < limit {
		if err := r.mem.Read(addr+uint64(len(out)), b[:]); err != nil {
			return "", errors.Wrapf(err, "read string at 0x%x", addr)
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return string(out), nil
}
