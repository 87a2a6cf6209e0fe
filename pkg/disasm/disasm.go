// Package disasm is the external disassembler collaborator: decoding raw
// bytes into an assembly-string candidate is explicitly out of this
// compiler's scope, so this package only specifies the interface contract
// and a concrete subprocess implementation, mirroring the way
// pkg/gpu.CUDAProcess manages a long-running external helper over pipes.
package disasm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Candidate is one raw gadget candidate handed to the analyser: the
// address and bytes an external disassembly tool has already located,
// plus (if the disassembler has already run) its assembly text. BinNum
// identifies which loaded binary the candidate came from, threaded
// straight through to gadget.Gadget.BinNum.
type Candidate struct {
	BinNum int
	Addr   uint64
	Code   []byte
	Asm    string
}

// Disassembler turns raw bytes at an address into an assembly-text
// rendering. It is the interface contract for the external disassembly
// tool spec treats as out of scope; Process below is one concrete
// implementation, a newline-delimited-JSON subprocess.
type Disassembler interface {
	Disassemble(code []byte, addr uint64) (asm string, err error)
}

type request struct {
	Addr uint64 `json:"addr"`
	Code []byte `json:"code"`
}

type response struct {
	Asm string `json:"asm"`
	Err string `json:"err,omitempty"`
}

// Process manages a long-running external disassembler child process
// speaking newline-delimited JSON requests/responses over its stdin and
// stdout, one request in flight at a time. Candidates are disassembled
// one at a time rather than batched: the subprocess contract is kept
// deliberately simple since call volume here is gated by gadget-ingestion
// batch size, not a hot loop.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	enc    *json.Encoder
	dec    *json.Decoder
	mu     sync.Mutex
}

// Open starts the external disassembler at path with args and leaves it
// running, ready for Disassemble calls. The caller must Close it; see
// WithProcess for a scoped-acquisition helper that guarantees release.
func Open(path string, args ...string) (*Process, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("disasm: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("disasm: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("disasm: start %s: %w", path, err)
	}
	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		enc:    json.NewEncoder(stdin),
		dec:    json.NewDecoder(bufio.NewReader(stdout)),
	}, nil
}

// Disassemble sends one request and waits for its matching response.
// Calls serialize on p.mu: the subprocess protocol here is strictly
// request-then-response, with no pipelining.
func (p *Process) Disassemble(code []byte, addr uint64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enc.Encode(request{Addr: addr, Code: code}); err != nil {
		return "", fmt.Errorf("disasm: write request at %#x: %w", addr, err)
	}
	var resp response
	if err := p.dec.Decode(&resp); err != nil {
		return "", fmt.Errorf("disasm: read response at %#x: %w", addr, err)
	}
	if resp.Err != "" {
		return "", fmt.Errorf("disasm: external tool at %#x: %s", addr, resp.Err)
	}
	return resp.Asm, nil
}

// Close shuts down the external process. Safe to call once after Open
// succeeds; the caller owns exactly one Close per Open.
func (p *Process) Close() error {
	p.stdin.Close()
	return p.cmd.Wait()
}

// WithProcess opens a disassembler subprocess, invokes fn with it, and
// guarantees the process is closed on every exit path — including a
// panic inside fn or an error returned by fn — the scoped-acquisition
// contract the external disassembler handle requires.
func WithProcess(path string, args []string, fn func(*Process) error) (err error) {
	p, err := Open(path, args...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(p)
}
