package ingest

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// XLSXOptions configures the bracket sheet parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	SkipRows   int    // header rows to skip, default 1
}

// ReadBracketSheet parses a published bracket table from an XLSX sheet.
// Expected columns: min income, max income (blank for the open top bracket),
// rate, fixed amount. Rates above 1 are treated as percentages.
func ReadBracketSheet(path string, opts XLSXOptions) ([]model.TaxBracket, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	skip := opts.SkipRows
	if skip == 0 {
		skip = 1
	}

	var brackets []model.TaxBracket
	order := 0
	for i, row := range sheet.Rows {
		if i < skip {
			continue
		}
		cells := rowToStrings(row)
		if isBlankRow(cells) {
			continue
		}
		if len(cells) < 3 {
			return nil, eris.Errorf("ingest: row %d has %d columns, want at least 3", i+1, len(cells))
		}

		order++
		b := model.TaxBracket{BracketOrder: order}

		b.MinIncome, err = parseAmount(cells[0])
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: row %d min income", i+1)
		}
		if strings.TrimSpace(cells[1]) != "" {
			maxVal, err := parseAmount(cells[1])
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: row %d max income", i+1)
			}
			b.MaxIncome = &maxVal
		}
		b.Rate, err = parseRate(cells[2])
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: row %d rate", i+1)
		}
		if len(cells) > 3 && strings.TrimSpace(cells[3]) != "" {
			b.FixedAmount, err = parseAmount(cells[3])
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: row %d fixed amount", i+1)
			}
		}

		brackets = append(brackets, b)
	}

	if len(brackets) == 0 {
		return nil, eris.New("ingest: sheet contains no bracket rows")
	}
	return brackets, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("ingest: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("ingest: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseAmount accepts published currency formatting: thousands separators
// and a leading currency token.
func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "LKR")
	s = strings.TrimPrefix(s, "Rs.")
	s = strings.TrimPrefix(s, "Rs")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse amount %q", s)
	}
	return v, nil
}

// parseRate accepts "6%", "6", or "0.06"; values above 1 are percentages.
func parseRate(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse rate %q", s)
	}
	if v > 1 {
		v /= 100
	}
	if v < 0 {
		return 0, eris.Errorf("negative rate %q", s)
	}
	return v, nil
}
