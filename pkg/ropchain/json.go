package ropchain

import "encoding/json"

// jsonItem is the wire shape for one chain Item: exported fields only, so
// it round-trips through encoding/json directly (unlike expr.Expr/cond.Cond,
// Item has no unexported fields to begin with).
type jsonItem struct {
	Kind    string `json:"kind"`
	Value   uint64 `json:"value"`
	Addr    uint64 `json:"addr,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type jsonChain struct {
	WordSize uint       `json:"word_size"`
	Items    []jsonItem `json:"items"`
}

func (k ItemKind) marshalName() string {
	switch k {
	case GadgetAddress:
		return "gadget_address"
	case Padding:
		return "padding"
	case Constant:
		return "constant"
	}
	return "unknown"
}

func unmarshalKind(s string) ItemKind {
	switch s {
	case "gadget_address":
		return GadgetAddress
	case "padding":
		return Padding
	case "constant":
		return Constant
	}
	return Padding
}

// MarshalJSON renders the chain for interchange with non-Go callers.
func (c *Chain) MarshalJSON() ([]byte, error) {
	jc := jsonChain{WordSize: c.WordSize}
	for _, it := range c.Items {
		jc.Items = append(jc.Items, jsonItem{
			Kind:    it.Kind.marshalName(),
			Value:   it.Value,
			Addr:    it.Addr,
			Comment: it.Comment,
		})
	}
	return json.Marshal(jc)
}

// UnmarshalJSON parses a chain previously produced by MarshalJSON.
func (c *Chain) UnmarshalJSON(data []byte) error {
	var jc jsonChain
	if err := json.Unmarshal(data, &jc); err != nil {
		return err
	}
	c.WordSize = jc.WordSize
	c.Items = make([]Item, 0, len(jc.Items))
	for _, it := range jc.Items {
		c.Items = append(c.Items, Item{
			Kind:    unmarshalKind(it.Kind),
			Value:   it.Value,
			Addr:    it.Addr,
			Comment: it.Comment,
		})
	}
	return nil
}
