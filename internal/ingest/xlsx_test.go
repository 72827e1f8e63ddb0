package ingest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	err := f.Save(path)
	require.NoError(t, err)
	return path
}

func TestReadBracketSheet(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"PAYE": {
			{"Min Income", "Max Income", "Rate", "Fixed Amount"},
			{"0", "500,000", "0%", "0"},
			{"500,001", "750,000", "6%", "0"},
			{"750,001", "1,500,000", "12%", "15,000"},
			{"1,500,001", "", "18%", "105,000"},
		},
	})

	brackets, err := ReadBracketSheet(path, XLSXOptions{SheetName: "PAYE"})
	require.NoError(t, err)
	require.Len(t, brackets, 4)

	assert.Equal(t, 1, brackets[0].BracketOrder)
	assert.InDelta(t, 0.0, brackets[0].MinIncome, 1e-9)
	require.NotNil(t, brackets[0].MaxIncome)
	assert.InDelta(t, 500000.0, *brackets[0].MaxIncome, 1e-9)

	assert.InDelta(t, 0.06, brackets[1].Rate, 1e-9)
	assert.InDelta(t, 15000.0, brackets[2].FixedAmount, 1e-9)

	assert.Nil(t, brackets[3].MaxIncome)
	assert.InDelta(t, 0.18, brackets[3].Rate, 1e-9)
}

func TestReadBracketSheet_CurrencyPrefixAndDecimalRates(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"min", "max", "rate"},
			{"Rs. 0", "Rs. 100,000", "0.06"},
		},
	})

	brackets, err := ReadBracketSheet(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, brackets, 1)
	assert.InDelta(t, 100000.0, *brackets[0].MaxIncome, 1e-9)
	assert.InDelta(t, 0.06, brackets[0].Rate, 1e-9)
	assert.Zero(t, brackets[0].FixedAmount)
}

func TestReadBracketSheet_SkipsBlankRows(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"min", "max", "rate"},
			{"0", "100000", "0"},
			{"", "", ""},
			{"100001", "", "10"},
		},
	})

	brackets, err := ReadBracketSheet(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, brackets, 2)
	assert.Equal(t, 2, brackets[1].BracketOrder)
}

func TestReadBracketSheet_Errors(t *testing.T) {
	t.Run("missing sheet", func(t *testing.T) {
		path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"a", "b", "c"}}})
		_, err := ReadBracketSheet(path, XLSXOptions{SheetName: "PAYE"})
		require.Error(t, err)
	})

	t.Run("no data rows", func(t *testing.T) {
		path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"min", "max", "rate"}}})
		_, err := ReadBracketSheet(path, XLSXOptions{})
		require.Error(t, err)
	})

	t.Run("bad amount", func(t *testing.T) {
		path := createTestXLSX(t, map[string][][]string{
			"Sheet1": {
				{"min", "max", "rate"},
				{"abc", "100", "5"},
			},
		})
		_, err := ReadBracketSheet(path, XLSXOptions{})
		require.Error(t, err)
	})

	t.Run("negative rate", func(t *testing.T) {
		path := createTestXLSX(t, map[string][][]string{
			"Sheet1": {
				{"min", "max", "rate"},
				{"0", "100", "-5"},
			},
		})
		_, err := ReadBracketSheet(path, XLSXOptions{})
		require.Error(t, err)
	})
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"6%", 0.06},
		{"6", 0.06},
		{"0.06", 0.06},
		{"18 %", 0.18},
		{"0", 0},
		{"1", 1},
	}
	for _, tt := range tests {
		got, err := parseRate(tt.in)
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}
