//go:build linux && amd64

package remote

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Process is a live Linux process. Memory is read and written through /proc/<pid>/mem; regions
// are committed by making the process itself execute an mmap system call under ptrace.
type Process struct {
	mu  sync.Mutex
	pid int
	mem int
}

// Attach opens the memory of process pid. The caller needs ptrace access to it.
func Attach(pid int) (*Process, error) {
	fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open memory of process %d: %w", pid, err)
	}
	return &Process{pid: pid, mem: fd}, nil
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem < 0 {
		return nil
	}
	err := unix.Close(p.mem)
	p.mem = -1
	return err
}

// Read copies len(buf) bytes from addr.
func (p *Process) Read(addr uint64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	done := 0
	for done < len(buf) {
		n, err := unix.Pread(p.mem, buf[done:], int64(addr)+int64(done))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("read %#x: %w", addr+uint64(done), err)
		}
		if n <= 0 {
			return fmt.Errorf("read %#x: short read (%d/%d)", addr, done, len(buf))
		}
		done += n
	}
	return nil
}

// Write copies data to addr. Page protections do not apply to writes through /proc/<pid>/mem.
func (p *Process) Write(addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	done := 0
	for done < len(data) {
		n, err := unix.Pwrite(p.mem, data[done:], int64(addr)+int64(done))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("write %#x: %w", addr+uint64(done), err)
		}
		if n <= 0 {
			return fmt.Errorf("write %#x: short write (%d/%d)", addr, done, len(data))
		}
		done += n
	}
	return nil
}

// Regions lists the mappings of the process from /proc/<pid>/maps.
func (p *Process) Regions() ([]Region, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Region
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		r, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	SortRegions(out)
	return out, nil
}

// Parse one line of /proc/<pid>/maps:
//
//	7f0000000000-7f0000021000 r-xp 00000000 08:01 1234   /usr/lib/libc.so.6
func parseMapsLine(line string) (Region, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Region{}, fmt.Errorf("bad maps line %q", line)
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Region{}, fmt.Errorf("bad maps range %q", fields[0])
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("bad maps range %q: %w", fields[0], err)
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("bad maps range %q: %w", fields[0], err)
	}
	r := Region{Start: start, End: end}
	perm := fields[1]
	if len(perm) >= 3 {
		if perm[0] == 'r' {
			r.Prot |= ProtRead
		}
		if perm[1] == 'w' {
			r.Prot |= ProtWrite
		}
		if perm[2] == 'x' {
			r.Prot |= ProtExec
		}
	}
	if len(fields) >= 6 {
		r.Name = strings.Join(fields[5:], " ")
	}
	return r, nil
}

func (prot Protection) sysProt() int {
	v := unix.PROT_NONE
	if prot&ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

var syscallInst = []byte{0x0f, 0x05}

// Allocate commits an anonymous private region at exactly addr. The process is stopped for the
// duration of the call: its registers and the two bytes at its instruction pointer are replaced
// with an mmap system call, single-stepped, and restored.
func (p *Process) Allocate(addr, size uint64, prot Protection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// ptrace requests must come from the attaching thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.PtraceAttach(p.pid); err != nil {
		return fmt.Errorf("attach to %d: %w", p.pid, err)
	}
	defer unix.PtraceDetach(p.pid)
	if err := p.waitStop(); err != nil {
		return err
	}

	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(p.pid, &saved); err != nil {
		return fmt.Errorf("get registers: %w", err)
	}
	pc := uintptr(saved.Rip)
	code := make([]byte, len(syscallInst))
	if _, err := unix.PtracePeekData(p.pid, pc, code); err != nil {
		return fmt.Errorf("peek %#x: %w", pc, err)
	}
	if _, err := unix.PtracePokeData(p.pid, pc, syscallInst); err != nil {
		return fmt.Errorf("poke %#x: %w", pc, err)
	}
	defer unix.PtraceSetRegs(p.pid, &saved)
	defer unix.PtracePokeData(p.pid, pc, code)

	regs := saved
	regs.Rax = unix.SYS_MMAP
	regs.Orig_rax = ^uint64(0)
	regs.Rdi = addr
	regs.Rsi = size
	regs.Rdx = uint64(prot.sysProt())
	regs.R10 = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE
	regs.R8 = ^uint64(0)
	regs.R9 = 0
	if err := unix.PtraceSetRegs(p.pid, &regs); err != nil {
		return fmt.Errorf("set registers: %w", err)
	}
	if err := unix.PtraceSingleStep(p.pid); err != nil {
		return fmt.Errorf("single step: %w", err)
	}
	if err := p.waitStop(); err != nil {
		return err
	}
	if err := unix.PtraceGetRegs(p.pid, &regs); err != nil {
		return fmt.Errorf("get registers: %w", err)
	}

	ret := regs.Rax
	if r := int64(ret); r < 0 && r >= -4095 {
		errno := unix.Errno(-r)
		if errno == unix.EEXIST {
			return fmt.Errorf("%w: %#x+%#x", ErrMapped, addr, size)
		}
		return fmt.Errorf("mmap %#x+%#x: %w", addr, size, errno)
	}
	if ret != addr {
		// kernels without MAP_FIXED_NOREPLACE treat it as a hint
		return fmt.Errorf("%w: mmap placed %#x+%#x at %#x", ErrMapped, addr, size, ret)
	}
	return nil
}

func (p *Process) waitStop() error {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(p.pid, &ws, 0, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("wait for %d: %w", p.pid, err)
		}
		break
	}
	if !ws.Stopped() {
		return fmt.Errorf("process %d did not stop (status %#x)", p.pid, uint32(ws))
	}
	return nil
}
