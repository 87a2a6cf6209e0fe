// Package ropchain holds the compiler's output value: an ordered list of
// stack-slot items (gadget addresses, raw constants, and padding) plus
// the three dump formats a caller renders it in.
package ropchain

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ItemKind discriminates a Chain Item.
type ItemKind uint8

const (
	// GadgetAddress is a word holding the address of a selected gadget.
	GadgetAddress ItemKind = iota
	// Padding is a neutral stack filler the gadget never reads meaningfully.
	Padding
	// Constant is a caller-meaningful value (e.g. an argument, or a
	// string-literal address) placed verbatim.
	Constant
)

// Item is one machine-word-sized stack slot in the emitted chain.
type Item struct {
	Kind    ItemKind
	Value   uint64
	Addr    uint64 // the binary address this item was sourced from, for GadgetAddress items
	Comment string
}

// Chain is the compiler's output: an ordered sequence of stack-slot items.
type Chain struct {
	WordSize uint // bytes per item; 4 for X86, 8 for X64
	Items    []Item
}

// Len reports the number of machine-word entries in the chain.
func (c *Chain) Len() int { return len(c.Items) }

// Bytes renders the chain as a flat little-endian byte array, items
// concatenated in order. Both supported architectures are little-endian.
func (c *Chain) Bytes() []byte {
	out := make([]byte, 0, len(c.Items)*int(c.WordSize))
	for _, it := range c.Items {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], it.Value)
		out = append(out, buf[:c.WordSize]...)
	}
	return out
}

// Pretty renders one line per item: the value in hex at the target
// word width, with the item's comment trailing.
func (c *Chain) Pretty() string {
	var sb strings.Builder
	digits := c.WordSize * 2
	for _, it := range c.Items {
		fmt.Fprintf(&sb, "0x%0*x", digits, it.Value)
		if it.Comment != "" {
			fmt.Fprintf(&sb, "  # %s", it.Comment)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Code renders the chain as a paste-friendly sequence of word-sized byte
// literals in architecture (little-)endianness, one literal per item.
func (c *Chain) Code() string {
	var sb strings.Builder
	sb.WriteString("[\n")
	for _, it := range c.Items {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], it.Value)
		sb.WriteString("    b\"")
		for i := uint(0); i < c.WordSize; i++ {
			fmt.Fprintf(&sb, "\\x%02x", buf[i])
		}
		sb.WriteString("\"")
		if it.Comment != "" {
			fmt.Fprintf(&sb, "  # %s", it.Comment)
		}
		sb.WriteString(",\n")
	}
	sb.WriteString("]\n")
	return sb.String()
}

// Raw renders the chain as a single flat byte array, items concatenated
// in architecture-endianness (identical to Bytes; kept as a named dump
// format to match the three-output contract one-for-one).
func (c *Chain) Raw() []byte { return c.Bytes() }
