// Package narrative loads death-investigation narratives from CSV and XLSX
// files.
//
// Two layouts are accepted. Wide files have one row per case with a column
// for each narrative source. Long files have one row per narrative with a
// type column and a text column. Header matching is case-insensitive.
package narrative

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
)

// LoadFile reads narratives from a .csv or .xlsx file.
func LoadFile(ctx context.Context, path string, cfg config.NarrativeConfig) ([]model.Narrative, error) {
	var (
		table [][]string
		err   error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".tsv", ".txt":
		table, err = ReadCSVFile(ctx, path, ext == ".tsv")
	case ".xlsx":
		table, err = ReadXLSX(path, cfg.Sheet)
	default:
		return nil, eris.Errorf("narrative: unsupported file type %q", ext)
	}
	if err != nil {
		return nil, err
	}
	out, err := FromTable(table, cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "narrative: %s", filepath.Base(path))
	}
	zap.L().Info("narrative: loaded file",
		zap.String("path", path),
		zap.Int("rows", max(len(table)-1, 0)),
		zap.Int("narratives", len(out)),
	)
	return out, nil
}

// FromTable converts a header row plus data rows into narratives, in row
// order. For wide rows the primary narrative precedes the secondary one.
func FromTable(table [][]string, cfg config.NarrativeConfig) ([]model.Narrative, error) {
	if len(table) == 0 {
		return nil, eris.New("no header row")
	}
	cols := indexHeader(table[0])

	caseIdx, ok := cols.find(cfg.CaseColumn)
	if !ok {
		return nil, eris.Errorf("case column %q not found", cfg.CaseColumn)
	}

	typeIdx, hasType := cols.find(cfg.TypeColumn)
	textIdx, hasText := cols.find(cfg.TextColumn)
	if hasType && hasText {
		return fromLong(table[1:], caseIdx, typeIdx, textIdx)
	}

	primIdx, hasPrim := cols.find(cfg.PrimaryColumn)
	secIdx, hasSec := cols.find(cfg.SecondaryColumn)
	if !hasPrim && !hasSec {
		return nil, eris.Errorf("no narrative columns: need %q/%q or %q and %q",
			cfg.PrimaryColumn, cfg.SecondaryColumn, cfg.TypeColumn, cfg.TextColumn)
	}
	if !hasPrim {
		primIdx = -1
	}
	if !hasSec {
		secIdx = -1
	}
	return fromWide(table[1:], caseIdx, primIdx, secIdx), nil
}

func fromWide(rows [][]string, caseIdx, primIdx, secIdx int) []model.Narrative {
	out := make([]model.Narrative, 0, 2*len(rows))
	for i, row := range rows {
		caseID := cell(row, caseIdx)
		if caseID == "" {
			zap.L().Warn("narrative: row without case id skipped", zap.Int("row", i+2))
			continue
		}
		if primIdx >= 0 {
			out = append(out, model.Narrative{CaseID: caseID, Type: model.Primary, Text: cell(row, primIdx)})
		}
		if secIdx >= 0 {
			out = append(out, model.Narrative{CaseID: caseID, Type: model.Secondary, Text: cell(row, secIdx)})
		}
	}
	return out
}

func fromLong(rows [][]string, caseIdx, typeIdx, textIdx int) ([]model.Narrative, error) {
	out := make([]model.Narrative, 0, len(rows))
	for i, row := range rows {
		caseID := cell(row, caseIdx)
		if caseID == "" {
			zap.L().Warn("narrative: row without case id skipped", zap.Int("row", i+2))
			continue
		}
		typ, err := model.ParseNarrativeType(cell(row, typeIdx))
		if err != nil {
			return nil, eris.Wrapf(err, "row %d", i+2)
		}
		out = append(out, model.Narrative{CaseID: caseID, Type: typ, Text: cell(row, textIdx)})
	}
	return out, nil
}

type header map[string]int

func indexHeader(row []string) header {
	h := make(header, len(row))
	for i, name := range row {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := h[key]; !dup {
			h[key] = i
		}
	}
	return h
}

func (h header) find(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	i, ok := h[strings.ToLower(strings.TrimSpace(name))]
	return i, ok
}

// cell returns the trimmed value at i, or "" for short rows. Narrative text
// keeps its inner whitespace.
func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
