package fetcher

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
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Requirements": {
			{"requirement_id", "sub_element_id"},
			{"DORA-28", "register"},
			{"DORA-30", "exit"},
			{"", ""},
		},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3, "trailing blank row dropped")
	assert.Equal(t, []string{"requirement_id", "sub_element_id"}, rows[0])
	assert.Equal(t, []string{"DORA-30", "exit"}, rows[2])

	rows, err = ReadXLSX(path, XLSXOptions{SkipRows: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReadXLSX_SheetSelection(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Taxonomy": {{"a", "b"}},
	})

	rows, err := ReadXLSX(path, XLSXOptions{SheetName: "Taxonomy"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, rows)

	_, err = ReadXLSX(path, XLSXOptions{SheetName: "Missing"})
	assert.ErrorContains(t, err, "not found")

	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	assert.ErrorContains(t, err, "out of range")
}

func TestReadXLSX_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	require.NoError(t, writeFile(path, "not a workbook"))

	_, err := ReadXLSX(path, XLSXOptions{})
	assert.Error(t, err)
}
