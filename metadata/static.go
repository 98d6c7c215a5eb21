// package metadata describes a target process to the patch linker: where its methods are, the
// values of its compile-time constants, and the local control-flow labels of its methods.
package metadata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vsoupdotvx/x64patch/disasm"
)

// Address of a method which exists but could not be located.
const Unresolved = ^uint64(0)

var ErrNoCode = errors.New("code of the target process is not readable")

// Reader reads memory of the target process.
type Reader interface {
	Read(addr uint64, buf []byte) error
}

// Address is a method address. In YAML it is an integer (decimal or 0x-prefixed hex) or the
// string "unresolved".
type Address uint64

func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	s := strings.TrimSpace(value.Value)
	if strings.EqualFold(s, "unresolved") {
		*a = Address(Unresolved)
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = Address(v)
	return nil
}

// Static is metadata held in tables. Local labels are taken from Labels when listed there, and
// otherwise synthesized by disassembling the method's code through Code.
type Static struct {
	Methods   map[string]Address            `yaml:"methods"`
	Constants map[string]int64              `yaml:"constants"`
	Labels    map[string]map[string]Address `yaml:"labels"`

	Code Reader `yaml:"-"`

	mu     sync.Mutex
	synced map[string]map[string]uint64
}

func (s *Static) MethodAddress(name string) (uint64, bool) {
	a, ok := s.Methods[name]
	return uint64(a), ok
}

func (s *Static) Constant(name string) (int64, bool) {
	c, ok := s.Constants[name]
	return c, ok
}

// Get the local labels of a method.
func (s *Static) LocalLabels(method string) (map[string]uint64, error) {
	if listed, ok := s.Labels[method]; ok {
		out := make(map[string]uint64, len(listed))
		for name, a := range listed {
			out[name] = uint64(a)
		}
		return out, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if labels, ok := s.synced[method]; ok {
		return labels, nil
	}
	addr, ok := s.MethodAddress(method)
	if !ok {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	if addr == Unresolved {
		return nil, fmt.Errorf("method %s could not be located", method)
	}
	if s.Code == nil {
		return nil, fmt.Errorf("labels of %s: %w", method, ErrNoCode)
	}
	code, err := readFunc(s.Code, addr)
	if err != nil {
		return nil, fmt.Errorf("labels of %s: %w", method, err)
	}
	labels, err := disasm.Labels(code, addr)
	if err != nil {
		return nil, fmt.Errorf("labels of %s: %w", method, err)
	}
	if s.synced == nil {
		s.synced = map[string]map[string]uint64{}
	}
	s.synced[method] = labels
	return labels, nil
}

const pageSize = 0x1000

// Read up to disasm.MaxFuncSize bytes of code at addr, stopping early at the first unreadable
// page.
func readFunc(r Reader, addr uint64) ([]byte, error) {
	code := make([]byte, 0, disasm.MaxFuncSize)
	for len(code) < disasm.MaxFuncSize {
		at := addr + uint64(len(code))
		n := int(pageSize - at%pageSize)
		if rem := disasm.MaxFuncSize - len(code); n > rem {
			n = rem
		}
		chunk := make([]byte, n)
		if err := r.Read(at, chunk); err != nil {
			if len(code) == 0 {
				return nil, err
			}
			break
		}
		code = append(code, chunk...)
	}
	return code, nil
}

// Decode YAML tables:
//
//	methods:
//	  Player::update: 0x401230
//	  Player::draw: unresolved
//	constants:
//	  Player.health: 0x18
//	labels:
//	  Player::update:
//	    loop_0: 0x401260
func Decode(r io.Reader) (*Static, error) {
	s := &Static{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return s, nil
}

// Load YAML tables from a file.
func LoadYAML(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
