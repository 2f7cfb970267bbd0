package transport

import (
	"golang.org/x/net/bpf"

	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

// etherTypeFilter assembles a classic BPF program accepting frames whose
// type tag is appType or the resolution tag, truncated to snapLen.
func etherTypeFilter(appType uint16, snapLen uint32) ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(appType), SkipTrue: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(stack.ResolutionEtherType), SkipFalse: 1},
		bpf.RetConstant{Val: snapLen},
		bpf.RetConstant{Val: 0},
	})
}
