//go:build linux

package afxdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// Offset of rx_queue_index in struct xdp_md.
const xdpMDRxQueueIndex = 16

// xdpPass is the fallback action bpf_redirect_map takes when the queue has
// no socket registered.
const xdpPass = 2

// program is the XDP program redirecting every frame to the AF_XDP socket
// registered for the receiving queue, together with its socket map.
type program struct {
	xsks *ebpf.Map
	prog *ebpf.Program
}

func loadProgram(maxQueues uint32) (*program, error) {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	// return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:    "xdp_sock_prog",
		Type:    ebpf.XDP,
		License: "GPL",
		Instructions: asm.Instructions{
			asm.LoadMem(asm.R2, asm.R1, xdpMDRxQueueIndex, asm.Word),
			asm.LoadMapPtr(asm.R1, xsks.FD()),
			asm.Mov.Imm(asm.R3, xdpPass),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
	})
	if err != nil {
		xsks.Close()
		return nil, fmt.Errorf("loading xdp_sock_prog: %w", err)
	}
	return &program{xsks: xsks, prog: prog}, nil
}

// register points queue at the socket fd.
func (p *program) register(queue uint32, fd int) error {
	return p.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (p *program) unregister(queue uint32) error {
	err := p.xsks.Delete(queue)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

func (p *program) Close() error {
	return errors.Join(p.prog.Close(), p.xsks.Close())
}
