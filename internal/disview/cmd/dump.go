package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"disview/internal/codeview"
	"disview/internal/disasm"
	"disview/internal/logging"
	"disview/internal/symbolize"
	"disview/internal/target"
	"disview/internal/ui/colorize"
)

var dumpCmd = &cobra.Command{
	Use:   "dump [binary]",
	Short: "Print disassembly to stdout",
	Long: `Dump disassembles a stretch of a binary without the TUI. The
starting point is an address or a symbol name; output is plain text
or JSON.`,
	Example: `
# 40 instructions from the entry point
disview dump ./libgame.so

# A function by name, as JSON
disview dump --at main --count 100 --json ./prog
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		count, _ := cmd.Flags().GetInt("count")
		asJSON, _ := cmd.Flags().GetBool("json")
		return runDump(cmd.Context(), args[0], at, count, asJSON, os.Stdout)
	},
}

func init() {
	dumpCmd.Flags().String("at", "", "Start address or symbol (default: entry point)")
	dumpCmd.Flags().IntP("count", "n", 40, "Number of instructions")
	dumpCmd.Flags().Bool("json", false, "Emit JSON")
	rootCmd.AddCommand(dumpCmd)
}

func runDump(ctx context.Context, path, at string, count int, asJSON bool, w io.Writer) error {
	if count < 1 {
		return fmt.Errorf("count must be positive, got %d", count)
	}
	t, err := target.OpenELF(path)
	if err != nil {
		return err
	}
	defer t.Close()

	var dis disasm.Disassembler
	switch t.Arch() {
	case "arm64":
		dis = disasm.ARM64{}
	case "x86_64":
		dis = disasm.X86{}
	default:
		return fmt.Errorf("unsupported architecture %q", t.Arch())
	}
	resolver := symbolize.NewResolver(t.Image())

	start := t.Entry()
	if at != "" {
		start, err = parseLocation(at, resolver)
		if err != nil {
			return err
		}
	}

	fetcher := &codeview.Fetcher{Mem: t, Dis: dis}
	ins, err := collectInstructions(ctx, fetcher, resolver, start, count)
	if err != nil {
		return err
	}

	if logging.IsDebug() {
		logger := logging.NewLogger()
		logger.Debug("dump decoded",
			"path", path,
			"start", fmt.Sprintf("%#x", start),
			"instructions", len(ins))
		logger.Close()
	}

	if asJSON {
		return writeDumpJSON(w, ins)
	}
	return writeDumpText(w, ins, resolver)
}

// collectInstructions decodes forward from start until count
// instructions are in hand. A failed fetch after the first chunk means
// the mapped range ran out; whatever decoded so far is kept.
func collectInstructions(ctx context.Context, f *codeview.Fetcher, r *symbolize.Resolver, start uint64, count int) ([]disasm.Inst, error) {
	var out []disasm.Inst
	addr := start
	for len(out) < count {
		ch, err := f.Fetch(ctx, addr, codeview.ChunkLen)
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		r.Annotate(ch.Ins)
		out = append(out, ch.Ins...)
		next := ch.End()
		if next <= addr {
			break
		}
		addr = next
	}
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func writeDumpText(w io.Writer, ins []disasm.Inst, r *symbolize.Resolver) error {
	for i, in := range ins {
		if in.Flags.Has(disasm.FlagFuncStart) {
			if label, ok := r.Label(in.Addr); ok {
				sep := "\n"
				if i == 0 {
					sep = ""
				}
				if _, err := fmt.Fprintf(w, "%s%s\n", sep, colorize.Label("<"+label+">:")); err != nil {
					return err
				}
			}
		}
		if _, err := fmt.Fprintln(w, formatDumpLine(in)); err != nil {
			return err
		}
	}
	return nil
}

func formatDumpLine(in disasm.Inst) string {
	var b strings.Builder
	b.WriteString(colorize.Address(fmt.Sprintf("%8x", in.Addr)))
	b.WriteString("  ")
	b.WriteString(fmt.Sprintf("%-8s", hex.EncodeToString(in.Raw)))
	b.WriteString("  ")
	b.WriteString(colorize.Instruction(in.Text()))
	if in.Annotation != "" {
		b.WriteString("  ")
		b.WriteString(colorize.Annotation("; " + in.Annotation))
	}
	return b.String()
}

type dumpInst struct {
	Addr       string `json:"addr"`
	Bytes      string `json:"bytes"`
	Text       string `json:"text"`
	Target     string `json:"target,omitempty"`
	Annotation string `json:"annotation,omitempty"`
}

func writeDumpJSON(w io.Writer, ins []disasm.Inst) error {
	out := make([]dumpInst, len(ins))
	for i, in := range ins {
		out[i] = dumpInst{
			Addr:       fmt.Sprintf("0x%x", in.Addr),
			Bytes:      hex.EncodeToString(in.Raw),
			Text:       in.Text(),
			Annotation: in.Annotation,
		}
		if in.Target != nil {
			out[i].Target = fmt.Sprintf("0x%x", *in.Target)
		}
	}
	bts, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dump: %w", err)
	}
	_, err = fmt.Fprintln(w, string(bts))
	return err
}
