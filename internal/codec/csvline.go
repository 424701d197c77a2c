package codec

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// readCSV reads comma-separated rows, honouring quoted commas and doubled
// quotes. Rows that cannot be parsed are counted and skipped.
func readCSV(data []byte) (rows [][]string, rejected int) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, rejected
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rejected++
				continue
			}
			return rows, rejected + 1
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		rows = append(rows, row)
	}
}
