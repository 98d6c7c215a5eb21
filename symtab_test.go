package x64patch

import (
	"errors"
	"testing"

	"github.com/vsoupdotvx/x64patch/metadata"
)

func testSymbols() *SymbolTable {
	return NewSymbolTable(&metadata.Static{
		Methods: map[string]metadata.Address{
			"Game.Update": 0x401000,
			"Game.Lost":   metadata.Address(metadata.Unresolved),
		},
		Constants: map[string]int64{"Player.health": 0x18, "Mode.Dead": -1},
		Labels: map[string]map[string]metadata.Address{
			"Game.Update": {"loop_0": 0x401020, "fwd_0": 0x401080},
		},
	})
}

func TestSymbolTableResolve(t *testing.T) {
	syms := testSymbols()
	for _, c := range []struct {
		name string
		addr uint64
	}{
		{"Game.Update", 0x401000},
		{"Game.Update+0x1c", 0x40101c},
		{"Player.health", 0x18},
		{"Mode.Dead", ^uint64(0)},
	} {
		if addr, err := syms.Resolve(c.name); err != nil || addr != c.addr {
			t.Fatalf("%s resolves to %#x (%v), expected %#x", c.name, addr, err, c.addr)
		}
	}

	var ue *UnresolvedError
	if _, err := syms.Resolve("Game.Lost"); !errors.As(err, &ue) || ue.Name != "Game.Lost" || ue.Err == nil {
		t.Fatalf("expected an unresolved-symbol error with a cause, found %v", err)
	}
	for _, name := range []string{"Missing", "Missing+0x10", "Game.Lost+0x10", "Game.Update+0xzz"} {
		if _, err := syms.Resolve(name); !errors.Is(err, ErrUnresolved) {
			t.Fatalf("%s: expected ErrUnresolved, found %v", name, err)
		}
	}
}

func TestSymbolTableDefine(t *testing.T) {
	syms := testSymbols()
	if err := syms.Define("Hook", 0x10001000); err != nil {
		t.Fatal(err)
	}
	if err := syms.Define("Hook", 0x10001000); err != nil {
		t.Fatalf("redefinition at the same address: %v", err)
	}
	if err := syms.Define("Hook", 0x10002000); !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("expected ErrDuplicateSymbol, found %v", err)
	}
	if addr, err := syms.Resolve("Hook+0x8"); err != nil || addr != 0x10001008 {
		t.Fatalf("Hook+0x8 resolves to %#x (%v)", addr, err)
	}

	// a name already handed out from the metadata cannot move
	if _, err := syms.Resolve("Game.Update"); err != nil {
		t.Fatal(err)
	}
	if err := syms.Define("Game.Update", 0x10003000); !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("expected ErrDuplicateSymbol, found %v", err)
	}
	if syms.Len() != 1 {
		t.Fatalf("%d names published, expected 1", syms.Len())
	}
}

func TestSymbolTableLocal(t *testing.T) {
	syms := testSymbols()
	if addr, err := syms.ResolveLocal("Game.Update", "loop_0"); err != nil || addr != 0x401020 {
		t.Fatalf("loop_0 resolves to %#x (%v)", addr, err)
	}
	if addr, err := syms.ResolveLocal("Game.Update", "fwd_0+0x4"); err != nil || addr != 0x401084 {
		t.Fatalf("fwd_0+0x4 resolves to %#x (%v)", addr, err)
	}
	if _, err := syms.ResolveLocal("Game.Update", "call_0"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, found %v", err)
	}
	// no listed labels and no code to synthesize them from
	if _, err := syms.ResolveLocal("Game.Lost", "loop_0"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, found %v", err)
	}
	if _, err := NewSymbolTable(nil).ResolveLocal("Game.Update", "loop_0"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, found %v", err)
	}
}

func TestSplitTarget(t *testing.T) {
	for _, c := range []struct {
		name, fn string
		off      uint64
		ok       bool
	}{
		{"Game.Update", "Game.Update", 0, true},
		{"Game.Update+0x1C", "Game.Update", 0x1c, true},
		{"a+0x1+0x2", "a+0x1", 2, true},
		{"+0x10", "", 0, false},
		{"f+0x", "", 0, false},
		{"f+0xgg", "", 0, false},
	} {
		fn, off, err := SplitTarget(c.name)
		if (err == nil) != c.ok || fn != c.fn || off != c.off {
			t.Fatalf("SplitTarget(%q) = %q, %#x, %v", c.name, fn, off, err)
		}
	}
}
