package main

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/pagealloc/heap"
)

// scriptCommand is one line of a workload script
type scriptCommand struct {
	Line int
	Op   string
	Args []string
}

var scriptArity = map[string]int{
	"alloc":  2,
	"calloc": 3,
	"free":   1,
	"fill":   2,
	"check":  2,
	"stats":  0,
}

// parseScript reads a workload script. Blank lines and everything after a # are ignored.
func parseScript(r io.Reader) ([]scriptCommand, error) {
	var commands []scriptCommand

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++

		text := scanner.Text()
		if comment := strings.IndexByte(text, '#'); comment >= 0 {
			text = text[:comment]
		}

		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}

		op := strings.ToLower(fields[0])
		arity, ok := scriptArity[op]
		if !ok {
			return nil, errors.Newf("line %d: unknown command %q", line, fields[0])
		}
		if len(fields)-1 != arity {
			return nil, errors.Newf("line %d: %s takes %d argument(s), got %d", line, op, arity, len(fields)-1)
		}

		commands = append(commands, scriptCommand{Line: line, Op: op, Args: fields[1:]})
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read script")
	}

	return commands, nil
}

type namedBlock struct {
	ptr  unsafe.Pointer
	size int
}

// session executes script commands against one allocator, tracking live blocks by name
type session struct {
	allocator *heap.Allocator
	out       io.Writer
	blocks    map[string]namedBlock
}

func newSession(allocator *heap.Allocator, out io.Writer) *session {
	return &session{
		allocator: allocator,
		out:       out,
		blocks:    make(map[string]namedBlock),
	}
}

func parseSize(arg string) (int, error) {
	size, err := humanize.ParseBytes(arg)
	if err != nil {
		return 0, err
	}
	if size > uint64(heap.MaxAllocationSize) {
		return 0, errors.Newf("%s is larger than the largest allocation", arg)
	}
	return int(size), nil
}

func parseFillByte(arg string) (byte, error) {
	value, err := strconv.ParseUint(arg, 0, 8)
	if err != nil {
		return 0, err
	}
	return byte(value), nil
}

func (s *session) exec(command scriptCommand) error {
	switch command.Op {
	case "alloc", "calloc":
		return s.allocate(command)
	case "free":
		return s.free(command.Args[0])
	case "fill", "check":
		block, ok := s.blocks[command.Args[0]]
		if !ok {
			return errors.Newf("no live block named %q", command.Args[0])
		}
		value, err := parseFillByte(command.Args[1])
		if err != nil {
			return errors.Wrapf(err, "invalid byte %q", command.Args[1])
		}

		payload := heap.Bytes(block.ptr, block.size)
		if command.Op == "fill" {
			for i := range payload {
				payload[i] = value
			}
			return nil
		}
		for i, b := range payload {
			if b != value {
				return errors.Newf("block %q holds 0x%02x at offset %d, expected 0x%02x", command.Args[0], b, i, value)
			}
		}
		return nil
	case "stats":
		printInfo(s.out, "%s\n", s.allocator.Stats())
		return nil
	}

	return errors.AssertionFailedf("unhandled script command %q", command.Op)
}

func (s *session) allocate(command scriptCommand) error {
	name := command.Args[0]
	if _, exists := s.blocks[name]; exists {
		return errors.Newf("block %q is still live", name)
	}

	var ptr unsafe.Pointer
	var size int
	if command.Op == "alloc" {
		var err error
		size, err = parseSize(command.Args[1])
		if err != nil {
			return errors.Wrapf(err, "invalid size %q", command.Args[1])
		}

		ptr, err = s.allocator.Allocate(size)
		if err != nil {
			return err
		}
	} else {
		count, err := strconv.Atoi(command.Args[1])
		if err != nil {
			return errors.Wrapf(err, "invalid count %q", command.Args[1])
		}
		elem, err := parseSize(command.Args[2])
		if err != nil {
			return errors.Wrapf(err, "invalid size %q", command.Args[2])
		}

		ptr, err = s.allocator.AllocateZeroed(count, elem)
		if err != nil {
			return err
		}
		size = count * elem
	}

	s.blocks[name] = namedBlock{ptr: ptr, size: size}
	return nil
}

func (s *session) free(name string) error {
	block, ok := s.blocks[name]
	if !ok {
		return errors.Newf("no live block named %q", name)
	}

	if err := s.allocator.Release(block.ptr); err != nil {
		return err
	}

	delete(s.blocks, name)
	return nil
}

// live returns the names of the blocks that have not been freed, in sorted order
func (s *session) live() []string {
	names := make([]string, 0, len(s.blocks))
	for name := range s.blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
