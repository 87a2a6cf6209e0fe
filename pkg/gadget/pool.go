package gadget

import (
	"sort"
	"sync"

	"github.com/ropium-go/ropium/pkg/arch"
)

// Pool is a mutex-protected, dedup-on-raw-bytes collection of analysed
// gadgets: the whole-input counterpart to Analyse's single-candidate
// pipeline. The same bytes seen at a second address just grow the
// existing gadget's address list rather than re-running analysis.
type Pool struct {
	mu      sync.Mutex
	byBytes map[string][]*Gadget
	all     []*Gadget
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{byBytes: map[string][]*Gadget{}}
}

// Add runs one raw (address, bytes) candidate through Analyse, folding it
// into any existing gadget(s) for the same bytes. Safe for concurrent use
// across candidates from an ingest batch.
func (p *Pool) Add(a *arch.Arch, binNum int, address uint64, code []byte, asmStr string) ([]*Gadget, error) {
	key := string(code)

	p.mu.Lock()
	if gs, ok := p.byBytes[key]; ok {
		for _, g := range gs {
			g.Addresses = append(g.Addresses, address)
		}
		p.mu.Unlock()
		return gs, nil
	}
	p.mu.Unlock()

	gs, err := Analyse(a, binNum, address, code, asmStr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byBytes[key]; ok {
		for _, g := range existing {
			g.Addresses = append(g.Addresses, address)
		}
		return existing, nil
	}
	p.byBytes[key] = gs
	p.all = append(p.all, gs...)
	return gs, nil
}

// Len returns the number of distinct raw-byte candidates in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byBytes)
}

// All returns a copy of every gadget in the pool, sorted by the gadget
// ordering (Gadget.Less).
func (p *Pool) All() []*Gadget {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Gadget, len(p.all))
	copy(out, p.all)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
