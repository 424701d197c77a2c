package codec

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// FieldType is the semantic type of a positional field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldNumber
	// FieldAmount is integer cents on the wire and a decimal amount in records.
	FieldAmount
)

// Field is one positional column. Start is a zero-based byte offset.
type Field struct {
	Name  string
	Start int
	Width int
	Type  FieldType
}

// Layout is an ordered fixed-width record schema.
type Layout []Field

// Width returns the end offset of the last field.
func (l Layout) Width() int {
	w := 0
	for _, f := range l {
		if end := f.Start + f.Width; end > w {
			w = end
		}
	}
	return w
}

// Decode reads every field of the layout from line. Fields past the end of a
// short line decode as empty.
func (l Layout) Decode(line string) Record {
	rec := make(Record, len(l))
	for _, f := range l {
		raw := slice(line, f.Start, f.Width)
		switch f.Type {
		case FieldNumber:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				rec[f.Name] = n
				continue
			}
			rec[f.Name] = raw
		case FieldAmount:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				rec[f.Name] = float64(n) / 100
				continue
			}
			rec[f.Name] = raw
		default:
			rec[f.Name] = raw
		}
	}
	return rec
}

// slice returns the trimmed span [start, start+width) of line, reading only
// what is present.
func slice(line string, start, width int) string {
	if start >= len(line) {
		return ""
	}
	end := start + width
	if end > len(line) {
		end = len(line)
	}
	return strings.TrimSpace(line[start:end])
}

// padRight left-justifies s in exactly width bytes. A multi-byte character
// that would cross the boundary is dropped.
func padRight(s string, width int) string {
	if len(s) == width {
		return s
	}
	if len(s) > width {
		end := width
		for end > 0 && !utf8.RuneStart(s[end]) {
			end--
		}
		s = s[:end]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// zeroPad right-justifies n in exactly width digits, keeping the low-order
// digits when n is too wide. Numeric fields are unsigned, so a negative n is
// written as zero.
func zeroPad(n int64, width int) string {
	if n < 0 {
		n = 0
	}
	s := strconv.FormatInt(n, 10)
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}

// centsOf converts decimal text to integer cents, rounding half away from zero.
func centsOf(decimal string) int64 {
	s := strings.TrimSpace(decimal)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimLeft(s, "+-")

	whole, frac, _ := strings.Cut(s, ".")
	w, err := strconv.ParseInt("0"+whole, 10, 64)
	if err != nil {
		return 0
	}
	frac += "000"
	c, err := strconv.ParseInt(frac[:2], 10, 64)
	if err != nil {
		return 0
	}
	cents := w*100 + c
	if frac[2] >= '5' {
		cents++
	}
	if neg {
		return -cents
	}
	return cents
}

// amountField encodes an optional decimal amount as zero-padded cents.
func amountField(decimal string, ok bool, width int) string {
	if !ok {
		return strings.Repeat("0", width)
	}
	return zeroPad(centsOf(decimal), width)
}

// timeField formats an optional time, or fills the width with placeholder.
func timeField(t time.Time, ok bool, layout string, width int, placeholder string) string {
	if !ok {
		return strings.Repeat(placeholder, width)
	}
	return padRight(t.Format(layout), width)
}

// splitLines splits file content into lines, dropping carriage returns and a
// final empty line.
func splitLines(data []byte) []string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseStamp parses a header timestamp in the local zone.
func parseStamp(layout, value string) (time.Time, bool) {
	if len(value) != len(layout) || !isDigits(value) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, value, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
