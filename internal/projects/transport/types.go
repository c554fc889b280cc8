package transport

import (
	"github.com/pendergraft/contratweak/internal/layout"
)

// ProjectResponse is the HTTP representation of a project.
type ProjectResponse struct {
	Name            string   `json:"name"`
	Dir             string   `json:"dir"`
	TargetContract  string   `json:"targetContract"`
	ChainID         uint64   `json:"chainId"`
	Address         string   `json:"address"`
	MetadataHash    string   `json:"metadataHash,omitempty"`
	CompilerVersion string   `json:"compilerVersion,omitempty"`
	Immutables      []string `json:"immutables,omitempty"`
	Libraries       int      `json:"libraries,omitempty"`
	HasCreation     bool     `json:"hasCreation"`
	CreatedAt       string   `json:"createdAt,omitempty"`
}

// LayoutRow is one storage variable of a project's recorded layout.
type LayoutRow struct {
	Label  string `json:"label"`
	Slot   string `json:"slot"`
	Offset int    `json:"offset"`
	Width  int    `json:"width"`
	Type   string `json:"type"`
}

func layoutRows(l *layout.Layout) []LayoutRow {
	if l == nil {
		return []LayoutRow{}
	}
	rows := make([]LayoutRow, 0, len(l.Slots))
	for _, s := range l.Slots {
		row := LayoutRow{Label: s.Label, Slot: s.Slot.Dec(), Offset: s.Offset, Width: s.Width}
		if s.Type != nil {
			row.Type = s.Type.Label
		}
		rows = append(rows, row)
	}
	return rows
}
