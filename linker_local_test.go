//go:build linux && amd64

package x64patch

import (
	"reflect"
	"testing"

	"github.com/vsoupdotvx/x64patch/internal/objtest"
	"github.com/vsoupdotvx/x64patch/metadata"
	"github.com/vsoupdotvx/x64patch/remote"
)

// Link a patch into the test process itself and call it.
func TestRunLocal(t *testing.T) {
	mem, err := remote.OpenLocal()
	if err != nil {
		t.Skipf("cannot open own memory: %v", err)
	}
	defer mem.Close()

	obj := &objtest.Object{
		Text: []byte{
			0xe8, 0x01, 0x00, 0x00, 0x00, // 0x0: call sum
			0xc3,                   // 0x5: ret
			0x48, 0x8d, 0x04, 0x18, // 0x6: lea rax, [rax+rbx]
			0xc3, // 0xa: ret
		},
		Symbols: []objtest.Symbol{
			objtest.Func("Add", 0),
			{Name: "sum", Section: objtest.Text, Value: 6, Local: true},
		},
	}

	cfg := DefaultConfig()
	cfg.ModuleBase = uint64(reflect.ValueOf(TestRunLocal).Pointer()) &^ 0xfff
	cfg.ModuleSize = 0x1000
	l := New(cfg, &metadata.Static{}, mem)
	img, err := l.Run([]*Patch{load(t, obj)})
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Free(img.Layout.RegionBase, img.Layout.RegionSize)
	if !cfg.reachable(img.Layout.RegionBase, img.Layout.RegionSize) {
		t.Fatalf("region %#x is out of reach of %#x", img.Layout.RegionBase, cfg.ModuleBase)
	}

	addr, err := l.Symbols().Resolve("Add")
	if err != nil {
		t.Fatal(err)
	}
	var add func(a, b int) int
	if err := remote.BindFunc(&add, addr); err != nil {
		t.Fatal(err)
	}
	if s := add(40, 2); s != 42 {
		t.Fatalf("add(40, 2) = %v", s)
	}
}
