//go:build linux && amd64

package remote

import (
	"bytes"
	"os"
	"testing"
	"unsafe"
)

func TestParseMapsLine(t *testing.T) {
	r, err := parseMapsLine("7f0000000000-7f0000021000 r-xp 00000000 08:01 1234   /usr/lib/libc so.6")
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != 0x7f0000000000 || r.End != 0x7f0000021000 || r.Prot != ProtRX || r.Name != "/usr/lib/libc so.6" {
		t.Fatalf("parsed %v", r)
	}
	if r, err = parseMapsLine("00400000-00401000 rw-p 00000000 00:00 0"); err != nil || r.Name != "" || r.Prot != ProtRW {
		t.Fatalf("parsed %v (%v)", r, err)
	}
	for _, line := range []string{"", "00400000 r-xp", "zz-00401000 r-xp", "00400000-zz r-xp"} {
		if _, err := parseMapsLine(line); err == nil {
			t.Fatalf("expected an error for %q", line)
		}
	}
}

var selfBuf = []byte("x64patch remote memory")

// The test process reads and writes its own memory.
func TestProcessSelf(t *testing.T) {
	p, err := Attach(os.Getpid())
	if err != nil {
		t.Skipf("cannot open own memory: %v", err)
	}
	defer p.Close()

	src := selfBuf
	addr := uint64(uintptr(unsafe.Pointer(&src[0])))
	buf := make([]byte, len(src))
	if err := p.Read(addr, buf); err != nil || !bytes.Equal(buf, src) {
		t.Fatalf("read %q (%v)", buf, err)
	}
	if err := p.Write(addr, []byte("X64")); err != nil {
		t.Fatal(err)
	}
	if string(src[:3]) != "X64" {
		t.Fatalf("write not visible: %q", src)
	}

	regions, err := p.Regions()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range regions {
		if r.Contains(addr, addr+uint64(len(src))) {
			found = r.Prot&ProtWrite != 0
		}
	}
	if !found {
		t.Fatalf("no writable region holds %#x", addr)
	}
	if err := p.Read(0, buf); err == nil {
		t.Fatalf("read of the null page succeeded")
	}
}
