package x64patch

import (
	"fmt"

	"github.com/apex/log"

	"github.com/vsoupdotvx/x64patch/remote"
)

// SegmentKind tells where a segment is written.
type SegmentKind uint8

const (
	SegmentData      SegmentKind = iota // data blob, in the data part of the patch region
	SegmentText                         // patch body, in the text part of the patch region
	SegmentInjection                    // injected code, over an existing function
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentData:
		return "data"
	case SegmentText:
		return "text"
	}
	return "injection"
}

// Segment is a run of final bytes destined for one address of the target process.
type Segment struct {
	Patch string
	Kind  SegmentKind
	Name  string // injection marker, for SegmentInjection
	Addr  uint64
	Bytes []byte
}

func (s Segment) String() string {
	if s.Kind == SegmentInjection {
		return fmt.Sprintf("%s %s %s at %#x (%#x bytes)", s.Patch, s.Kind, s.Name, s.Addr, len(s.Bytes))
	}
	return fmt.Sprintf("%s %s at %#x (%#x bytes)", s.Patch, s.Kind, s.Addr, len(s.Bytes))
}

// Image is the fully resolved output of a link: the placement of the patch region and every
// segment to write, in link order.
type Image struct {
	Layout   *Layout
	PageSize uint64
	Segments []Segment
}

// Get the segments of one kind.
func (img *Image) Filter(kind SegmentKind) []Segment {
	var out []Segment
	for _, s := range img.Segments {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Apply commits the patch region and writes every segment, in order. The first failure aborts;
// writes completed before it stay in place.
func Apply(mem Memory, img *Image, logger log.Interface) error {
	if logger == nil {
		logger = log.Log
	}
	l := img.Layout
	page := img.PageSize
	if page == 0 {
		page = DefaultPageSize
	}
	if n := l.dataPages(page); n > 0 {
		if err := allocate(mem, l.DataBase, n, remote.ProtRW, logger); err != nil {
			return err
		}
	}
	if n := l.textPages(page); n > 0 {
		if err := allocate(mem, l.TextBase, n, remote.ProtRWX, logger); err != nil {
			return err
		}
	}
	for _, s := range img.Segments {
		if len(s.Bytes) == 0 {
			continue
		}
		logger.WithFields(log.Fields{
			"patch": s.Patch,
			"kind":  s.Kind.String(),
			"addr":  fmt.Sprintf("%#x", s.Addr),
			"size":  len(s.Bytes),
		}).Debug("write")
		if err := mem.Write(s.Addr, s.Bytes); err != nil {
			return &RemoteError{Op: "write " + s.Kind.String(), Addr: s.Addr, Size: len(s.Bytes), Err: err}
		}
	}
	return nil
}

func allocate(mem Memory, addr, size uint64, prot remote.Protection, logger log.Interface) error {
	logger.WithFields(log.Fields{
		"addr": fmt.Sprintf("%#x", addr),
		"size": fmt.Sprintf("%#x", size),
		"prot": prot.String(),
	}).Debug("allocate")
	if err := mem.Allocate(addr, size, prot); err != nil {
		return &RemoteError{Op: "allocate " + prot.String(), Addr: addr, Size: int(size), Err: err}
	}
	return nil
}
