package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pendergraft/contratweak/internal/executor"
	"github.com/pendergraft/contratweak/internal/layout"
	"github.com/pendergraft/contratweak/internal/tweak"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(out io.Writer, res *tweak.Result) error {
	fmt.Fprintf(out, "Target:   %s\n", res.Target)
	fmt.Fprintf(out, "Contract: %s\n", res.Contract)
	fmt.Fprintf(out, "Mode:     %s\n", res.Mode)
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tDURATION\t")
	for _, s := range res.Stages {
		status := ""
		if s.Failed {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Stage, s.Duration.Round(time.Millisecond), status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if res.Verdict != nil {
		fmt.Fprintln(out)
		if res.Verdict.Compatible() {
			fmt.Fprintln(out, "Storage layout: compatible")
		} else {
			fmt.Fprintf(out, "Storage layout: incompatible (%d finding(s))\n", len(res.Verdict.Findings))
			if err := printFindings(out, res.Verdict.Findings); err != nil {
				return err
			}
		}
	}

	if res.CodeSize > 0 {
		fmt.Fprintf(out, "Runtime code:   %d bytes, hash %s\n", res.CodeSize, res.CodeHash.Hex())
	}
	if res.Apply != nil {
		if res.Apply.Written {
			fmt.Fprintf(out, "Applied:        code replaced at %s (storage sampled: %s)\n", res.Apply.Address.Hex(), sampled(res.Apply))
		} else {
			fmt.Fprintf(out, "Applied:        %s already runs this code, nothing written\n", res.Apply.Address.Hex())
		}
	}
	return nil
}

func sampled(res *executor.ApplyResult) string {
	if res.StorageTotal > uint64(res.StorageChecked) {
		return fmt.Sprintf("%d of %d word(s), partial", res.StorageChecked, res.StorageTotal)
	}
	return fmt.Sprintf("%d word(s)", res.StorageChecked)
}

func printFindings(out io.Writer, findings []layout.Finding) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  KIND\tSLOT\tOFFSET\tLABEL\tREASON")
	for _, f := range findings {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n", f.Kind, f.Slot, f.Offset, f.Label, f.Reason)
	}
	return w.Flush()
}

// layoutRow is the printable form of a storage variable.
type layoutRow struct {
	Slot     string `json:"slot"`
	Offset   int    `json:"offset"`
	Width    int    `json:"width"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Contract string `json:"contract,omitempty"`
}

func layoutRows(l *layout.Layout) []layoutRow {
	if l == nil {
		return []layoutRow{}
	}
	rows := make([]layoutRow, 0, len(l.Slots))
	for _, s := range l.Slots {
		row := layoutRow{Slot: s.Slot.Dec(), Offset: s.Offset, Width: s.Width, Label: s.Label, Contract: s.Contract}
		if s.Type != nil {
			row.Type = s.Type.Label
		}
		rows = append(rows, row)
	}
	return rows
}

func printLayout(out io.Writer, title string, l *layout.Layout) error {
	rows := layoutRows(l)
	fmt.Fprintf(out, "%s (%d variable(s))\n", title, len(rows))
	if len(rows) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tOFFSET\tWIDTH\tTYPE\tLABEL\tCONTRACT")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n", r.Slot, r.Offset, r.Width, r.Type, r.Label, r.Contract)
	}
	return w.Flush()
}
