package codec

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	mhaRequestPrefix  = "URA2NRO_"
	mhaResponsePrefix = "NRO2URA_"
	mhaReportPrefix   = "REPORT_"
	mhaStampLayout    = "20060102150405"
	mhaEndOfReport    = "****  E N D  O F  R E P O R T  ****"
)

// mhaResponseLayout is the 238-character NRO particulars record.
var mhaResponseLayout = Layout{
	{Name: "uin", Start: 0, Width: 9},
	{Name: "name", Start: 9, Width: 66},
	{Name: "dateOfBirth", Start: 75, Width: 8},
	{Name: "addressType", Start: 83, Width: 1},
	{Name: "blockHouseNo", Start: 84, Width: 10},
	{Name: "streetName", Start: 94, Width: 32},
	{Name: "floorNo", Start: 126, Width: 2},
	{Name: "unitNo", Start: 128, Width: 5},
	{Name: "buildingName", Start: 133, Width: 30},
	{Name: "filler", Start: 163, Width: 4},
	{Name: "postalCode", Start: 167, Width: 6},
	{Name: "dateOfDeath", Start: 173, Width: 8},
	{Name: "lifeStatus", Start: 181, Width: 1},
	{Name: "invalidAddressTag", Start: 182, Width: 1},
	{Name: "uraReferenceNo", Start: 183, Width: 10},
	{Name: "batchDateTime", Start: 193, Width: 14},
	{Name: "lastChangeAddressDate", Start: 207, Width: 8},
	{Name: "timestamp", Start: 215, Width: 23},
}

var mhaInvalidAddressReasons = map[string]string{
	"D": "Delisted Address",
	"M": "Demolished",
	"F": "Fail to Report",
	"G": "Gone Away",
	"I": "Invalid Address",
	"N": "No such numbers",
	"P": "Outdated Address",
	"S": "Overseas",
}

// Report totals, keyed by their normalised names.
const (
	TotalRecordsRead     = "TOTAL_RECORDS_READ"
	RecordsMatched       = "RECORDS_MATCHED"
	InvalidUINFIN        = "INVALID_UIN_FIN"
	ValidUINFINUnmatched = "VALID_UIN_FIN_UNMATCHED"
)

var mhaTotalMarkers = []struct {
	marker string
	key    string
}{
	{"TOTAL RECORDS READ:", TotalRecordsRead},
	{"TOTAL RECORDS MATCHED:", RecordsMatched},
	{"TOTAL INVALID UIN/FIN:", InvalidUINFIN},
	{"TOTAL VALID UIN/FIN NOT FOUND:", ValidUINFINUnmatched},
}

var (
	mhaControlTotal = regexp.MustCompile(`([A-Z])\)\s+([^=]+)\s+=\s+(\d+)`)
	mhaExceptionRow = regexp.MustCompile(`\s+(\d+)\s+(.{9})\s+(.+)`)
	leadingInteger  = regexp.MustCompile(`\d+`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

type mhaCodec struct{}

// NewMHA returns the codec for the NRIC particulars exchange.
func NewMHA() Codec {
	return mhaCodec{}
}

func (mhaCodec) Agency() Agency { return AgencyMHA }

func (mhaCodec) FilenameFor(_ Stage, ts time.Time) string {
	return mhaRequestPrefix + ts.Format(mhaStampLayout)
}

func (mhaCodec) LooksLikeResponseFile(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, mhaResponsePrefix) {
		return true
	}
	return strings.HasPrefix(upper, mhaReportPrefix) &&
		(strings.HasSuffix(upper, ".TOT") || strings.HasSuffix(upper, ".EXP"))
}

// EncodeRequest writes the 33-character header and 56-character detail lines.
func (mhaCodec) EncodeRequest(_ Stage, records []Record, ts time.Time) []byte {
	stamp := ts.Format(mhaStampLayout)

	var sb strings.Builder
	sb.WriteString(strings.Repeat(" ", 9))
	sb.WriteString(stamp)
	sb.WriteString(zeroPad(int64(len(records)), 6))
	sb.WriteString(strings.Repeat(" ", 4))
	sb.WriteString("\n")

	for _, rec := range records {
		id := rec.String("nricNo")
		if id == "" {
			id = rec.String("idNo")
		}
		sb.WriteString(padRight(id, 9))
		sb.WriteString(padRight(rec.String("noticeNo"), 10))
		sb.WriteString(stamp)
		sb.WriteString(padRight(stamp, 23))
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

func (mhaCodec) DecodeHeader(data []byte) Header {
	for _, line := range splitLines(data) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return parseMHAHeader(line)
	}
	return Header{}
}

func parseMHAHeader(line string) Header {
	var h Header
	if len(line) < 23 || strings.TrimSpace(line[:9]) != "" {
		return h
	}
	h.Timestamp, h.Present = parseStamp(mhaStampLayout, line[9:23])
	if n, err := strconv.Atoi(slice(line, 23, 6)); err == nil {
		h.Count = n
	}
	return h
}

// DecodeResponse reads the NRO particulars file. The first line is the
// header when it starts with nine blanks.
func (mhaCodec) DecodeResponse(data []byte) *Batch {
	b := &Batch{}
	first := true
	for _, line := range splitLines(data) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			first = false
			if h := parseMHAHeader(line); h.Present {
				b.Header = h
				continue
			}
			b.Errors = append(b.Errors, "HEADER_MISSING")
		}
		if len(strings.TrimSpace(line)) < 9 {
			b.Rejected++
			continue
		}
		rec := mhaResponseLayout.Decode(line)
		if reason, ok := mhaInvalidAddressReasons[rec.String("invalidAddressTag")]; ok {
			rec["invalidAddressReason"] = reason
		}
		b.Records = append(b.Records, rec)
	}
	if b.Header.Present && b.Header.Count != len(b.Records) {
		b.Errors = append(b.Errors, "RECORD_COUNT_MISMATCH")
	}
	if !b.Header.Present {
		b.Header.Count = len(b.Records)
	}
	return b
}

// DecodeReport reads the control totals (.TOT) report in either the
// "TOTAL RECORDS READ: 46" or the "A) NO. OF RECORDS READ = 46" style.
func (mhaCodec) DecodeReport(data []byte) Summary {
	s := newSummary()
	for _, line := range splitLines(data) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := mhaControlTotal.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[3]); err == nil {
				s.Counts[normalizeTotalKey(strings.TrimSpace(m[2]))] = n
			}
			continue
		}
		for _, tm := range mhaTotalMarkers {
			idx := strings.Index(line, tm.marker)
			if idx < 0 {
				continue
			}
			if n, ok := trailingInt(line[idx+len(tm.marker):]); ok {
				s.Counts[tm.key] = n
			}
			break
		}
	}
	return s
}

func normalizeTotalKey(key string) string {
	switch {
	case strings.Contains(key, "NO. OF RECORDS READ"):
		return TotalRecordsRead
	case strings.Contains(key, "NO. OF RECORDS MATCH"):
		return RecordsMatched
	case strings.Contains(key, "NO. OF RECORDS WITH INVALID UIN/FIN"):
		return InvalidUINFIN
	case strings.Contains(key, "NO. OF RECORDS WITH VALID UIN/FIN UNMATCHED"):
		return ValidUINFINUnmatched
	}
	return strings.ToUpper(whitespaceRun.ReplaceAllString(key, "_"))
}

func trailingInt(s string) (int, bool) {
	m := leadingInteger.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	return n, err == nil
}

// DecodeExceptions reads the exceptions (.EXP) report. Rows sit between the
// column heading and the end-of-report banner. Files without the heading
// are read as whitespace separated serial, id and status.
func (mhaCodec) DecodeExceptions(data []byte) *Batch {
	lines := splitLines(data)
	b := &Batch{}

	headingAt := -1
	for i, line := range lines {
		if strings.Contains(line, "SERIAL NO") && strings.Contains(line, "ID NUMBER") &&
			strings.Contains(line, "EXCEPTION STATUS") {
			headingAt = i
			break
		}
	}

	if headingAt < 0 {
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			parts := strings.Fields(line)
			if len(parts) < 3 {
				b.Rejected++
				continue
			}
			b.Records = append(b.Records, Record{
				"serialNo":        parts[0],
				"idNumber":        parts[1],
				"exceptionStatus": strings.Join(parts[2:], " "),
			})
		}
		b.Header.Count = len(b.Records)
		return b
	}

	for _, line := range lines[headingAt+1:] {
		if strings.Contains(line, mhaEndOfReport) {
			break
		}
		if strings.Trim(line, " -=*\t") == "" {
			continue
		}
		m := mhaExceptionRow.FindStringSubmatch(line)
		if m == nil {
			b.Rejected++
			continue
		}
		b.Records = append(b.Records, Record{
			"serialNo":        strings.TrimSpace(m[1]),
			"idNumber":        strings.TrimSpace(m[2]),
			"exceptionStatus": strings.TrimSpace(m[3]),
		})
	}
	b.Header.Count = len(b.Records)
	return b
}
