package strategy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/gadget"
	"github.com/ropium-go/ropium/pkg/il"
)

func fixedReg(r arch.Reg, name string) Param {
	return Param{Kind: PReg, Reg: r, Name: name, IsFixed: true}
}

func fixedCst(v int64, name string) Param {
	return Param{Kind: PCst, Cst: v, Name: name, IsFixed: true}
}

func freeReg(name string) Param {
	return Param{Kind: PReg, Name: name}
}

func depParam(kind ParamKind, name string, nodeIdx, paramIdx int) Param {
	return Param{Kind: kind, Name: name, Deps: []Dep{{NodeIdx: nodeIdx, ParamIdx: paramIdx}}}
}

// Context bundles the per-compile-task selectors the calling-convention
// lowering front-end needs: target architecture, ABI, and OS.
type Context struct {
	Arch *arch.Arch
	ABI  arch.ABI
	OS   arch.OS
}

// Build constructs the seed strategy graph for one IL instruction.
// Function calls and raw syscalls are lowered into their constituent
// register/memory moves here, before any database lookup is attempted.
func Build(ctx *Context, in *il.Instr) (*Graph, error) {
	g := &Graph{SourceLine: in.Line, SourceComment: in.Comment}
	var root int
	var err error
	switch in.Kind {
	case il.KMovCst:
		root = g.addNode(&Node{
			Kind:   GMovCst,
			Params: []Param{fixedReg(in.Dst, "dst"), fixedCst(in.Cst, "cst")},
		})
	case il.KMovReg:
		root = g.addNode(&Node{
			Kind:   GMovReg,
			Params: []Param{fixedReg(in.Dst, "dst"), fixedReg(in.Src, "src")},
		})
	case il.KArithCst:
		n := &Node{Kind: GAMovCst, Params: []Param{fixedReg(in.Dst, "dst"), fixedReg(in.Src, "src"), {Kind: POp, Op: in.Op, Name: "op", IsFixed: true}, fixedCst(in.Cst, "cst")}}
		root = g.addNode(n)
	case il.KArithReg:
		n := &Node{Kind: GAMovReg, Params: []Param{fixedReg(in.Dst, "dst"), fixedReg(in.Src, "src"), {Kind: POp, Op: in.Op, Name: "op", IsFixed: true}, fixedReg(in.Src2, "src2")}}
		root = g.addNode(n)
	case il.KLoad:
		root = g.addNode(&Node{
			Kind:   GLoad,
			Params: []Param{fixedReg(in.Dst, "dst"), fixedReg(in.AddrReg, "addr_reg"), fixedCst(in.Offset, "offset")},
		})
	case il.KALoad:
		root = g.addNode(&Node{
			Kind:   GALoad,
			Params: []Param{fixedReg(in.Dst, "dst"), {Kind: POp, Op: in.Op, Name: "op", IsFixed: true}, fixedReg(in.AddrReg, "addr_reg"), fixedCst(in.Offset, "offset")},
		})
	case il.KStore:
		root = g.addNode(&Node{
			Kind:   GStore,
			Params: []Param{fixedReg(in.AddrReg, "addr_reg"), fixedCst(in.Offset, "offset"), fixedReg(in.Src, "src")},
		})
	case il.KAStore:
		root = g.addNode(&Node{
			Kind:   GAStore,
			Params: []Param{fixedReg(in.AddrReg, "addr_reg"), fixedCst(in.Offset, "offset"), {Kind: POp, Op: in.Op, Name: "op", IsFixed: true}, fixedReg(in.Src, "src")},
		})
	case il.KStoreAbsReg:
		root, err = buildAbsStore(g, ctx, in.Addr, storeSrcParam{reg: in.Src, isReg: true})
	case il.KStoreAbsCst:
		root, err = buildAbsStore(g, ctx, in.Addr, storeSrcParam{cst: in.Cst})
	case il.KStoreAbsBytes:
		root, err = buildAbsStoreBytes(g, ctx, in.Addr, in.Bytes)
	case il.KJmp:
		root = g.addNode(&Node{Kind: GJmp, Params: []Param{fixedReg(in.Reg, "reg")}, BranchWant: gadget.BranchJmp})
	case il.KSyscall:
		root, err = buildSyscall(g, ctx, GSyscall, gadget.BranchSyscall, in)
	case il.KInt80:
		root, err = buildSyscall(g, ctx, GInt80, gadget.BranchInt80, in)
	case il.KCall:
		root, err = buildCall(g, ctx, in)
	default:
		return nil, fmt.Errorf("strategy: unsupported IL kind %v on line %d", in.Kind, in.Line)
	}
	if err != nil {
		return nil, err
	}
	g.Root = root
	return g, nil
}

type storeSrcParam struct {
	isReg bool
	reg   arch.Reg
	cst   int64
}

// buildAbsStore lowers "[addr] = reg|cst" into: a node that loads addr
// into a freely-chosen register, immediately followed by a Store node
// whose addr_reg param depends on that register. The rewrite engine
// generalises this same relay-through-a-register idea mid-search; here
// it's applied up front since the database has no key for an address
// that is a bare constant.
func buildAbsStore(g *Graph, ctx *Context, addr int64, src storeSrcParam) (int, error) {
	addrNode := &Node{Kind: GMovCst, Params: []Param{freeReg("dst"), fixedCst(addr, "cst")}}
	addrIdx := g.addNode(addrNode)

	var srcParam Param
	if src.isReg {
		srcParam = fixedReg(src.reg, "src")
	} else {
		// A constant source still needs a register to carry it into
		// memory: produce it in a second free register, then store that.
		cstNode := &Node{Kind: GMovCst, Params: []Param{freeReg("dst"), fixedCst(src.cst, "cst")}}
		cstIdx := g.addNode(cstNode)
		addrNode.StrategyNext = append(addrNode.StrategyNext, cstIdx)
		srcParam = depParam(PReg, "src", cstIdx, 0)
	}

	storeNode := &Node{
		Kind: GStore,
		Params: []Param{
			depParam(PReg, "addr_reg", addrIdx, 0),
			fixedCst(0, "offset"),
			srcParam,
		},
	}
	storeIdx := g.addNode(storeNode)
	addrNode.StrategyNext = append(addrNode.StrategyNext, storeIdx)
	addrNode.MandatoryFollowing = storeIdx
	return addrIdx, nil
}

// buildAbsStoreBytes lowers a string-literal absolute store into one
// buildAbsStore chain per machine word, least-significant word first,
// zero-padding the final partial word.
func buildAbsStoreBytes(g *Graph, ctx *Context, addr int64, data []byte) (int, error) {
	ws := int(ctx.Arch.WordSize)
	if len(data) == 0 {
		return -1, fmt.Errorf("strategy: empty string literal has nothing to store")
	}
	var first, prev int = -1, -1
	for off := 0; off < len(data); off += ws {
		end := off + ws
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		var v int64
		for i := len(chunk) - 1; i >= 0; i-- {
			v = (v << 8) | int64(chunk[i])
		}
		idx, err := buildAbsStore(g, ctx, addr+int64(off), storeSrcParam{cst: v})
		if err != nil {
			return -1, err
		}
		if first < 0 {
			first = idx
		}
		if prev >= 0 {
			g.Nodes[prev].StrategyNext = append(g.Nodes[prev].StrategyNext, idx)
		}
		prev = lastNode(g, idx)
	}
	return first, nil
}

// lastNode follows a node's MandatoryFollowing chain to its end, so a
// caller chaining further nodes attaches after the whole sub-chain.
func lastNode(g *Graph, idx int) int {
	for g.Nodes[idx].MandatoryFollowing >= 0 {
		idx = g.Nodes[idx].MandatoryFollowing
	}
	return idx
}

// buildSyscall lowers "syscall name(args...)"/"int80 name(args...)" per
// the kernel calling convention: arguments into SyscallArgRegs, the
// resolved syscall number into rax (eax on X86), then a branch node of
// the given kind.
func buildSyscall(g *Graph, ctx *Context, kind GadgetType, branch gadget.BranchKind, in *il.Instr) (int, error) {
	num, ok := arch.SyscallNumber(ctx.Arch, ctx.OS, in.Name)
	if !ok {
		return -1, fmt.Errorf("strategy: unknown syscall %q for the selected OS on line %d", in.Name, in.Line)
	}
	argRegs := arch.SyscallArgRegs(ctx.Arch)
	if len(in.Args) > len(argRegs) {
		return -1, fmt.Errorf("strategy: %q takes at most %d arguments on this target, got %d", in.Name, len(argRegs), len(in.Args))
	}

	var first, prev int = -1, -1
	link := func(idx int) {
		if first < 0 {
			first = idx
		}
		if prev >= 0 {
			g.Nodes[prev].StrategyNext = append(g.Nodes[prev].StrategyNext, idx)
		}
		prev = idx
	}

	for i, a := range in.Args {
		idx, err := buildArgAssign(g, argRegs[i], a)
		if err != nil {
			return -1, err
		}
		link(idx)
	}
	numIdx := g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(arch.RegA, "dst"), fixedCst(num, "cst")}})
	link(numIdx)

	branchIdx := g.addNode(&Node{Kind: kind, BranchWant: branch})
	link(branchIdx)
	// A syscall/int80 gadget hands control to the kernel and never
	// returns to the chain, so it must end up scheduled last.
	g.Assertions = append(g.Assertions, constraint.Assertion{Kind: constraint.NoSyscallBefore, NodeIdx: branchIdx})
	return first, nil
}

func buildArgAssign(g *Graph, dst arch.Reg, a il.Arg) (int, error) {
	switch a.Kind {
	case il.ArgCst:
		return g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(dst, "dst"), fixedCst(a.Cst, "cst")}}), nil
	case il.ArgReg:
		return g.addNode(&Node{Kind: GMovReg, Params: []Param{fixedReg(dst, "dst"), fixedReg(a.Reg, "src")}}), nil
	case il.ArgString:
		return -1, fmt.Errorf("strategy: a call/syscall argument cannot be a string literal directly; store it at an address first and pass that address")
	}
	return -1, fmt.Errorf("strategy: unknown argument kind %v", a.Kind)
}

// buildCall lowers "name(args...)" per the selected ABI: register
// arguments go through arch.ArgRegs via the same argument-assignment
// nodes a syscall uses. Remaining arguments (or all of them, for a
// stack-only ABI) are stack-passed — equivalent to ordinary chain
// Constant items placed immediately after the call target, which the
// emission step appends directly rather than modeling as graph nodes.
// The call target itself is realised as a RawValue node rather than a
// MovCst+Jmp pair: a ret-to-function chain hands control to the target
// via the preceding gadget's own return, so the target address is just
// the next stack slot and needs no register or indirection gadget at
// all. The target must be a numeric literal (decimal or 0x-hex); symbol
// resolution is a binary-parsing concern and out of this engine's scope.
func buildCall(g *Graph, ctx *Context, in *il.Instr) (int, error) {
	if ctx.ABI == arch.ABINone {
		return -1, fmt.Errorf("strategy: a function-call IL instruction requires a concrete ABI selector, got none")
	}
	if err := arch.CheckABI(ctx.ABI); err != nil {
		return -1, fmt.Errorf("strategy: call on line %d: %w", in.Line, err)
	}
	target, err := parseAddr(in.Name)
	if err != nil {
		return -1, fmt.Errorf("strategy: call target %q on line %d: %v", in.Name, in.Line, err)
	}

	argRegs := arch.ArgRegs(ctx.ABI)
	var first, prev int = -1, -1
	link := func(idx int) {
		if first < 0 {
			first = idx
		}
		if prev >= 0 {
			g.Nodes[prev].StrategyNext = append(g.Nodes[prev].StrategyNext, idx)
		}
		prev = idx
	}
	var stackArgs []int64
	for i, a := range in.Args {
		if i >= len(argRegs) {
			if a.Kind != il.ArgCst {
				return -1, fmt.Errorf("strategy: stack-passed call argument %d on line %d must be a numeric literal, not a register", i, in.Line)
			}
			stackArgs = append(stackArgs, a.Cst)
			continue
		}
		idx, err := buildArgAssign(g, argRegs[i], a)
		if err != nil {
			return -1, err
		}
		link(idx)
	}

	// The preceding argument-assignment gadget's own `ret` returns
	// straight into the called function: no indirection gadget is
	// needed, the target address is just the next chain slot.
	targetIdx := g.addNode(&Node{Kind: GCall, RawValue: &target, ExtraStackValues: stackArgs})
	link(targetIdx)
	return first, nil
}

func parseAddr(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		return int64(v), err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unresolved call target (expected a numeric address): %v", err)
	}
	return int64(v), nil
}
