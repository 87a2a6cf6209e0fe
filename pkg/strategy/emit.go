package strategy

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/ropchain"
)

// Emit walks g in topological order and appends one ropchain.Item per
// node: a RawValue node becomes a bare Constant (the ret-to-function
// technique needs no gadget address of its own), every other node
// becomes a GadgetAddress followed by sp_inc/word_size - 1 padding words
// filling out its stack frame up to the next gadget. A node's
// SpecialPaddings override the neutral filler at their offset (e.g. a
// stack-sourced constant load's popped slot must carry the constant
// being loaded, not filler); every other slot is filled with the first
// word-sized value that clears the bad-byte filter.
func Emit(g *Graph, c *constraint.Constraint, wordSize uint) (*ropchain.Chain, error) {
	order, err := TopoOrder(g)
	if err != nil {
		return nil, err
	}
	chain := &ropchain.Chain{WordSize: wordSize}
	for _, idx := range order {
		n := g.Nodes[idx]
		if n.IsDisabled {
			continue
		}
		if n.RawValue != nil {
			chain.Items = append(chain.Items, ropchain.Item{
				Kind:    ropchain.Constant,
				Value:   uint64(*n.RawValue),
				Comment: n.Comment,
			})
			for _, v := range n.ExtraStackValues {
				chain.Items = append(chain.Items, ropchain.Item{Kind: ropchain.Constant, Value: uint64(v), Comment: "stack-passed argument"})
			}
			continue
		}
		if n.AssignedGadget == nil {
			return nil, fmt.Errorf("strategy: node %d (%v) was never assigned a gadget before emission", idx, n.Kind)
		}
		comment := n.AssignedGadget.AsmStr
		if n.Comment != "" {
			comment = n.Comment + ": " + comment
		}
		chain.Items = append(chain.Items, ropchain.Item{
			Kind:    ropchain.GadgetAddress,
			Value:   n.AssignedAddr,
			Addr:    n.AssignedAddr,
			Comment: comment,
		})

		slots := int64(0)
		if n.AssignedGadget.SpIncKnown {
			slots = n.AssignedGadget.SpInc/int64(wordSize) - 1
		}
		special := make(map[int64]Param, len(n.SpecialPaddings))
		for _, sp := range n.SpecialPaddings {
			special[sp.Offset] = sp.Value
		}
		var popWord int64 = -1
		if n.PopOffset != nil {
			popWord = *n.PopOffset / int64(wordSize)
		}
		for off := int64(0); off < slots; off++ {
			if p, ok := special[off]; ok {
				v, vOK := resolveCst(g, p)
				if !vOK {
					return nil, fmt.Errorf("strategy: node %d's special padding at offset %d has no resolved value", idx, off)
				}
				chain.Items = append(chain.Items, ropchain.Item{Kind: ropchain.Padding, Value: uint64(v), Comment: "padding (constrained)"})
				continue
			}
			if off == popWord {
				cst, ok := resolveCst(g, n.Params[1])
				if !ok {
					return nil, fmt.Errorf("strategy: node %d's popped constant has no resolved value", idx)
				}
				chain.Items = append(chain.Items, ropchain.Item{Kind: ropchain.Padding, Value: uint64(cst), Comment: "stack-loaded constant"})
				continue
			}
			chain.Items = append(chain.Items, ropchain.Item{Kind: ropchain.Padding, Value: neutralPadding(c, wordSize), Comment: "padding"})
		}
	}
	return chain, nil
}

// neutralPadding returns a word-sized filler value with every byte
// clearing the bad-byte set, falling back through a short list of common
// filler bytes before scanning the whole byte space.
func neutralPadding(c *constraint.Constraint, wordSize uint) uint64 {
	for _, b := range []byte{0x41, 0x42, 0x43, 0x00, 0xff} {
		if c.AllowsByte(b) {
			return fillByte(b, wordSize)
		}
	}
	for b := 0; b < 256; b++ {
		if c.AllowsByte(byte(b)) {
			return fillByte(byte(b), wordSize)
		}
	}
	return 0
}

func fillByte(b byte, wordSize uint) uint64 {
	var v uint64
	for i := uint(0); i < wordSize; i++ {
		v |= uint64(b) << (8 * i)
	}
	return v
}
