package jit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// Disassemble returns an Intel-syntax listing of the native code with the
// start of every instruction's code marked by its eBPF index.
func (a *Artifact) Disassemble() string {
	return disassemble(a.code, startsOf(a.offsets))
}

// Listing generates code for prog and returns its listing without mapping
// it, so it works on every platform.
func Listing(prog *ebpf.Program, cfg ebpf.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", compileError(-1, err, "invalid config")
	}
	code, offsets, err := compile(prog, cfg)
	if err != nil {
		return "", err
	}
	return disassemble(code, startsOf(offsets)), nil
}

func startsOf(offsets []uint32) map[uint32][]int {
	starts := make(map[uint32][]int, len(offsets))
	for pc, off := range offsets {
		starts[off] = append(starts[off], pc)
	}
	return starts
}

func disassemble(code []byte, starts map[uint32][]int) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		for _, pc := range starts[uint32(offset)] {
			fmt.Fprintf(&sb, "; pc %d\n", pc)
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "0x%04x: db 0x%02x\n", offset, code[offset])
			offset++
			continue
		}

		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		fmt.Fprintf(&sb, "0x%04x: %-24s %s\n",
			offset,
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, uint64(offset), nil),
		)
		offset += inst.Len
	}
	return sb.String()
}
