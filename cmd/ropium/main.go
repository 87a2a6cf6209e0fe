package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/disasm"
	"github.com/ropium-go/ropium/pkg/ropchain"
	"github.com/ropium-go/ropium/pkg/ropium"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ropium",
		Short: "Automatic ROP-chain compiler",
	}

	// compile command
	var (
		compileArch     string
		compileABI      string
		compileOS       string
		compileDB       string
		compileBadBytes string
		compileKeepRegs string
		compileFormat   string
		compileFile     string
	)

	compileCmd := &cobra.Command{
		Use:   "compile [instructions...]",
		Short: "Compile an IL program into a ROP chain against a gadget database",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseArch(compileArch)
			if err != nil {
				return err
			}
			abi, err := parseABI(compileABI)
			if err != nil {
				return err
			}
			targetOS, err := parseOS(compileOS)
			if err != nil {
				return err
			}
			if compileDB == "" {
				return fmt.Errorf("--db is required")
			}
			d, err := db.LoadSnapshot(compileDB, a)
			if err != nil {
				return fmt.Errorf("load database: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Loaded %d gadgets from %s\n", d.Len(), compileDB)

			src, err := readSource(compileFile, args)
			if err != nil {
				return err
			}
			con, err := buildConstraint(compileBadBytes, compileKeepRegs, a)
			if err != nil {
				return err
			}

			rc := &ropium.Context{Arch: a, ABI: abi, OS: targetOS}
			chain, err := ropium.Compile(cmd.Context(), rc, d, con, src)
			if err != nil {
				return err
			}
			return writeChain(chain, compileFormat)
		},
	}
	compileCmd.Flags().StringVar(&compileArch, "arch", "x64", "target architecture: x86 or x64")
	compileCmd.Flags().StringVar(&compileABI, "abi", "sysv", "calling convention for call/syscall lowering: sysv, ms, cdecl, or stdcall")
	compileCmd.Flags().StringVar(&compileOS, "os", "linux", "target OS for syscall-number lowering: linux or windows")
	compileCmd.Flags().StringVar(&compileDB, "db", "", "path to a gadget database snapshot (required)")
	compileCmd.Flags().StringVar(&compileBadBytes, "bad-bytes", "", "comma-separated hex bytes forbidden in the chain, e.g. 0x00,0x0a")
	compileCmd.Flags().StringVar(&compileKeepRegs, "keep-regs", "", "comma-separated register names that must not be clobbered")
	compileCmd.Flags().StringVar(&compileFormat, "format", "pretty", "output format: pretty, raw, or code")
	compileCmd.Flags().StringVar(&compileFile, "file", "", "IL source file (default: join positional args as lines, or read stdin if none given)")

	// ingest command
	var (
		ingestArch       string
		ingestDB         string
		ingestCandidates string
		ingestDisasmBin  string
		ingestAppend     bool
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Analyse raw gadget candidates and write (or extend) a gadget database snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseArch(ingestArch)
			if err != nil {
				return err
			}
			if ingestDB == "" {
				return fmt.Errorf("--db is required")
			}
			cands, err := readCandidates(ingestCandidates)
			if err != nil {
				return err
			}

			var d *db.Db
			if ingestAppend {
				d, err = db.LoadSnapshot(ingestDB, a)
				if err != nil {
					return fmt.Errorf("load database: %w", err)
				}
			} else {
				d = db.New(a)
			}

			run := func(dis disasm.Disassembler) error {
				gs, err := disasm.IngestBatch(cmd.Context(), d, a, dis, cands)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Ingested %d gadgets from %d candidates\n", len(gs), len(cands))
				return nil
			}

			if ingestDisasmBin != "" {
				if err := disasm.WithProcess(ingestDisasmBin, nil, run); err != nil {
					return err
				}
			} else if err := run(nil); err != nil {
				return err
			}

			if err := db.SaveSnapshot(ingestDB, d); err != nil {
				return fmt.Errorf("save database: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Database now holds %d gadgets; saved to %s\n", d.Len(), ingestDB)
			return nil
		},
	}
	ingestCmd.Flags().StringVar(&ingestArch, "arch", "x64", "target architecture: x86 or x64")
	ingestCmd.Flags().StringVar(&ingestDB, "db", "", "path to the database snapshot to write (required)")
	ingestCmd.Flags().StringVar(&ingestCandidates, "candidates", "", "path to a JSON file of raw gadget candidates (required)")
	ingestCmd.Flags().StringVar(&ingestDisasmBin, "disasm", "", "path to an external disassembler subprocess for candidates with no precomputed assembly text")
	ingestCmd.Flags().BoolVar(&ingestAppend, "append", false, "load --db first and extend it, instead of starting a fresh database")

	// dump command
	var dumpArch string
	dumpCmd := &cobra.Command{
		Use:   "dump [db-snapshot]",
		Short: "Print a human-readable report of a gadget database snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseArch(dumpArch)
			if err != nil {
				return err
			}
			d, err := db.LoadSnapshot(args[0], a)
			if err != nil {
				return err
			}
			db.Dump(os.Stdout, d)
			return nil
		},
	}
	dumpCmd.Flags().StringVar(&dumpArch, "arch", "x64", "target architecture: x86 or x64")

	rootCmd.AddCommand(compileCmd, ingestCmd, dumpCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseArch(s string) (*arch.Arch, error) {
	switch strings.ToLower(s) {
	case "x86":
		return arch.X86Arch, nil
	case "x64":
		return arch.X64Arch, nil
	default:
		return nil, fmt.Errorf("unknown --arch %q: want x86 or x64", s)
	}
}

func parseABI(s string) (arch.ABI, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return arch.ABINone, nil
	case "sysv", "x64sysv":
		return arch.X64SystemV, nil
	case "ms", "x64ms":
		return arch.X64MS, nil
	case "cdecl":
		return arch.X86Cdecl, nil
	case "stdcall":
		return arch.X86Stdcall, nil
	default:
		return arch.ABINone, fmt.Errorf("unknown --abi %q: want sysv, ms, cdecl, or stdcall", s)
	}
}

func parseOS(s string) (arch.OS, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return arch.OSNone, nil
	case "linux":
		return arch.Linux, nil
	case "windows":
		return arch.Windows, nil
	default:
		return arch.OSNone, fmt.Errorf("unknown --os %q: want linux or windows", s)
	}
}

// readSource returns the IL program text: --file if given, else the
// positional args joined one-per-line, else stdin — the same
// file/args/stdin precedence cmd/z80opt's target command uses for its
// own assembly-sequence argument.
func readSource(file string, args []string) (string, error) {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return string(b), nil
	}
	if len(args) > 0 {
		return strings.Join(args, "\n"), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

func buildConstraint(badBytes, keepRegs string, a *arch.Arch) (*constraint.Constraint, error) {
	c := constraint.New()
	for _, tok := range strings.Split(badBytes, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(tok), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("parse --bad-bytes entry %q: %w", tok, err)
		}
		c.BadBytes[byte(v)] = true
	}
	for _, tok := range strings.Split(keepRegs, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		r, ok := a.RegByName(tok)
		if !ok {
			return nil, fmt.Errorf("unknown register %q in --keep-regs", tok)
		}
		c.KeepRegs[r] = true
	}
	return c, nil
}

func writeChain(chain *ropchain.Chain, format string) error {
	switch format {
	case "pretty":
		fmt.Println(chain.Pretty())
	case "code":
		fmt.Println(chain.Code())
	case "raw":
		if _, err := os.Stdout.Write(chain.Raw()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown --format %q: want pretty, raw, or code", format)
	}
	return nil
}

// candidateFile is the on-disk shape `ingest` reads: a JSON array of raw
// gadget candidates an external byte-extraction tool has already located
// (spec's own out-of-scope boundary), each with optional precomputed
// assembly text.
type candidateFile struct {
	Candidates []struct {
		BinNum int    `json:"bin_num"`
		Addr   string `json:"addr"`
		Code   string `json:"code"`
		Asm    string `json:"asm,omitempty"`
	} `json:"candidates"`
}

func readCandidates(path string) ([]disasm.Candidate, error) {
	if path == "" {
		return nil, fmt.Errorf("--candidates is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cf candidateFile
	if err := json.NewDecoder(f).Decode(&cf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]disasm.Candidate, 0, len(cf.Candidates))
	for _, c := range cf.Candidates {
		addr, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(c.Addr), "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse candidate address %q: %w", c.Addr, err)
		}
		code, err := hex.DecodeString(c.Code)
		if err != nil {
			return nil, fmt.Errorf("parse candidate code %q: %w", c.Code, err)
		}
		out = append(out, disasm.Candidate{BinNum: c.BinNum, Addr: addr, Code: code, Asm: c.Asm})
	}
	return out, nil
}
