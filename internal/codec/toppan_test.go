package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToppanEncodeRequest(t *testing.T) {
	c := NewToppan()
	ts := time.Date(2025, 3, 6, 10, 30, 0, 0, time.Local)
	records := []Record{
		{
			"noticeNo":          "500000002B",
			"postalCode":        "654321",
			"ownerDriverName":   "LIM AH SENG",
			"computerRuleCode":  "10100",
			"ruleNo":            "13#",
			"ruleDesc":          "stored description",
			"compositionAmount": 12.345,
			"surAmount":         "10",
			"letterDate":        "2025-03-06",
			"noticeDateAndTime": "2025-03-01 14:05",
			"paymentDueDate":    "2025-03-20",
		},
		{
			"noticeNo":         "500000001A",
			"postalCode":       "123456",
			"computerRuleCode": "abc",
			"ruleNo":           "99Z",
			"ruleDesc":         "passed through",
		},
	}

	out := string(c.EncodeRequest(StageRD1, records, ts))
	require.True(t, strings.HasSuffix(out, "\n"))
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Len(t, line, toppanLineWidth)
	}

	assert.True(t, strings.HasPrefix(lines[0], "H202503061030"))
	assert.Equal(t, padRight("T0000002", toppanLineWidth), lines[3])

	// ordered by postal code
	first, second := lines[1], lines[2]
	assert.Equal(t, "500000001A", first[11:21])
	assert.Equal(t, "500000002B", second[11:21])

	assert.Equal(t, "123456", first[186:192])
	assert.Equal(t, "99Z", strings.TrimSpace(first[268:329]))
	assert.Equal(t, "passed through", strings.TrimSpace(first[329:584]))
	assert.Equal(t, "0000000", first[684:691])
	assert.Equal(t, "13-03-2025", first[708:718])

	assert.Equal(t, "06-03-2025", second[1:11])
	assert.Equal(t, "LIM AH SENG", strings.TrimSpace(second[21:87]))
	assert.Equal(t, "01-03-2025 02:05 PM", second[204:223])
	assert.Equal(t, "Rule 13 of Parking Places Rules", strings.TrimSpace(second[268:329]))
	assert.Equal(t, "Parking beyond the boundaries of a parking lot", strings.TrimSpace(second[329:584]))
	assert.Equal(t, "0001235", second[684:691])
	assert.Equal(t, "20-03-2025", second[691:701])
	assert.Equal(t, "0002235", second[701:708])
	assert.Equal(t, "08-03-2025", second[708:718])
}

func TestToppanEncodeDetailWidth(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		fine   string
	}{
		{
			name:   "non-ascii name",
			record: Record{"noticeNo": "500000001A", "ownerDriverName": "JOSÉ MARÍA " + strings.Repeat("Ñ", 40), "postalCode": "123456"},
			fine:   "0000000",
		},
		{
			name:   "negative amounts",
			record: Record{"noticeNo": "500000001A", "postalCode": "123456", "compositionAmount": "-12.50", "surAmount": "-1"},
			fine:   "0000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := string(NewToppan().EncodeRequest(StageRD1, []Record{tt.record}, time.Now()))
			lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
			require.Len(t, lines, 3)

			line := lines[1]
			assert.Len(t, line, toppanLineWidth)
			assert.Equal(t, "500000001A", line[11:21])
			assert.Equal(t, "123456", line[186:192])
			assert.Equal(t, "0000000", line[684:691])
			assert.Equal(t, tt.fine, line[701:708])
		})
	}
}

func TestToppanEncodeKeepsInputOrderForEqualPostalCodes(t *testing.T) {
	records := []Record{
		{"noticeNo": "500000003C", "postalCode": "200000"},
		{"noticeNo": "500000001A", "postalCode": "100000"},
		{"noticeNo": "500000004D", "postalCode": "200000"},
		{"noticeNo": "500000002B", "postalCode": "100000"},
	}
	out := string(NewToppan().EncodeRequest(StageRD2, records, time.Now()))
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 6)

	var got []string
	for _, line := range lines[1:5] {
		got = append(got, line[11:21])
	}
	assert.Equal(t, []string{"500000001A", "500000002B", "500000003C", "500000004D"}, got)
	assert.Equal(t, "500000003C", records[0]["noticeNo"])
}

func TestToppanEncodeThenDecodeHeader(t *testing.T) {
	c := NewToppan()
	ts := time.Date(2025, 3, 6, 22, 15, 0, 0, time.Local)
	records := []Record{{"noticeNo": "500000001A"}, {"noticeNo": "500000002B"}}

	h := c.DecodeHeader(c.EncodeRequest(StageDN1, records, ts))
	assert.True(t, h.Present)
	assert.Equal(t, 2, h.Count)
	assert.True(t, ts.Equal(h.Timestamp))
}

// returnLine builds a registered mail return detail. Offsets are relative to
// the character after the record type.
func returnLine(fields map[int]string) string {
	buf := []byte(strings.Repeat(" ", 238))
	buf[0] = 'D'
	for off, v := range fields {
		copy(buf[1+off:], v)
	}
	return string(buf)
}

func TestToppanDecodeReturnFile(t *testing.T) {
	good := returnLine(map[int]string{
		0:   "06-03-2025",
		10:  "500000001A",
		86:  "S1234567A",
		185: "123456",
		203: "01-03-2025 02:05 PM",
		222: "RR123456789SG",
	})
	badNotice := returnLine(map[int]string{
		10: "5000-001AB",
		86: "S1234567A",
	})
	header := padRight("H202503061030RD2", 40)
	trailer := "T0000001" + "0000001" + "0000002"

	data := strings.Join([]string{header, good, badNotice, trailer}, "\n") + "\n"
	b := NewToppan().DecodeResponse([]byte(data))

	assert.Empty(t, b.Errors)
	assert.Equal(t, 1, b.Rejected)
	assert.True(t, b.Header.Present)
	assert.Equal(t, 1, b.Header.Count)
	require.Len(t, b.Records, 1)

	rec := b.Records[0]
	assert.Equal(t, "500000001A", rec["noticeNo"])
	assert.Equal(t, "S1234567A", rec["nric"])
	assert.Equal(t, "123456", rec["postalCode"])
	assert.Equal(t, "01-03-2025 02:05 PM", rec["noticeDateAndTime"])
	assert.Equal(t, "RR123456789SG", rec["registrationNo"])
}

func TestToppanDecodeReturnFileErrors(t *testing.T) {
	detail := returnLine(map[int]string{10: "500000001A", 86: "S1234567A"})
	header := "H202503061030"

	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty file", "\n\n", "EMPTY_FILE"},
		{"bad header", "HNOTADATE\n" + detail + "\nT000000100000000000001\n", "HEADER_INVALID"},
		{"missing trailer", header + "\n" + detail + "\n", "TRAILER_MISSING"},
		{"short trailer", header + "\n" + detail + "\nT0001\n", "TRAILER_INVALID"},
		{"counts exceed total", header + "\n" + detail + "\nT000000100000010000001\n", "TRAILER_COUNT_MISMATCH"},
		{"printed without details", header + "\nT000000100000000000001\n", "TRAILER_COUNT_MISMATCH"},
		{"trailer filler", header + "\n" + detail + "\nT000000100000000000001XYZ\n", "FIELD_INVALID_FILLER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewToppan().DecodeResponse([]byte(tt.data))
			assert.Contains(t, b.Errors, tt.want)
		})
	}
}

func TestParseToppanReturnDetail(t *testing.T) {
	tests := []struct {
		name   string
		fields map[int]string
		want   string
	}{
		{"valid", map[int]string{10: "500000001A", 86: "S1234567A"}, ""},
		{"missing notice", map[int]string{86: "S1234567A"}, "FIELD_MISSING_NOTICE"},
		{"notice symbols", map[int]string{10: "50000-001A", 86: "S1234567A"}, "FIELD_INVALID_SYMBOLS_NOTICE"},
		{"notice format", map[int]string{10: "A00000001A", 86: "S1234567A"}, "FIELD_INVALID_FORMAT_NOTICE"},
		{"bad date", map[int]string{0: "2025-03-06", 10: "500000001A", 86: "S1234567A"}, "FIELD_INVALID_TYPE_DATE"},
		{"missing nric", map[int]string{10: "500000001A"}, "FIELD_MISSING_NRIC"},
		{"postal letters", map[int]string{10: "500000001A", 86: "S1234567A", 185: "12A456"}, "FIELD_INVALID_TYPE_POSTAL"},
		{"bad datetime", map[int]string{10: "500000001A", 86: "S1234567A", 203: "2025-03-01 14:05:00"}, "FIELD_INVALID_TYPE_DATETIME"},
		{"registration format", map[int]string{10: "500000001A", 86: "S1234567A", 222: "1234567890123"}, "FIELD_INVALID_FORMAT_REG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, problem := parseToppanReturnDetail(returnLine(tt.fields))
			assert.Equal(t, tt.want, problem)
		})
	}
}

const toppanAckSample = `DPT PRINT ACKNOWLEDGEMENT
Data File : URA-DPT-RD1-D1-20250306103000
Status : Completed with error
Total accounts printed : 5
Total accounts with error : 2
500000001A  Invalid postal code
500000002B  Missing address

Overseas Address Report
500000003C  Overseas address
`

func TestToppanDecodeAcknowledgement(t *testing.T) {
	c := NewToppan()

	s := c.DecodeReport([]byte(toppanAckSample))
	assert.Equal(t, 5, s.Count("totalPrinted"))
	assert.Equal(t, 2, s.Count("totalErrors"))
	assert.Equal(t, 2, s.Count("failed"))
	assert.Equal(t, 1, s.Count("overseas"))
	assert.Equal(t, 3, s.Count("successful"))
	assert.Equal(t, "URA-DPT-RD1-D1-20250306103000", s.Attr("dataFile"))
	assert.Equal(t, "RD1", s.Attr("stage"))
	assert.Equal(t, "Completed with error", s.Attr("status"))
	assert.Equal(t, "false", s.Attr("successful"))

	ex := c.DecodeExceptions([]byte(toppanAckSample))
	require.Len(t, ex.Records, 2)
	assert.Equal(t, Record{"noticeNo": "500000001A", "stage": "RD1"}, ex.Records[0])
	assert.Equal(t, "500000002B", ex.Records[1]["noticeNo"])
}

func TestToppanCleanAcknowledgement(t *testing.T) {
	data := "Data File : URA-DPT-DN2-D1-20250306103000\n" +
		"Status : Completed\n" +
		"Total accounts printed : 12\n" +
		"Total accounts with error : 0\n"

	s := NewToppan().DecodeReport([]byte(data))
	assert.Equal(t, 12, s.Count("successful"))
	assert.Equal(t, "DN2", s.Attr("stage"))
	assert.Equal(t, "true", s.Attr("successful"))
}

func TestToppanFileNames(t *testing.T) {
	c := NewToppan()
	ts := time.Date(2025, 3, 6, 10, 29, 59, 0, time.Local)
	assert.Equal(t, "URA-DPT-RD2-D1-20250306102959", c.FilenameFor(StageRD2, ts))
	assert.Equal(t, "URA-DPT-RD1-D1-20250306102959", c.FilenameFor("", ts))

	tests := []struct {
		name string
		want bool
	}{
		{"DPT-URA-LOG-D2-20250306", true},
		{"dpt-ura-log-pdf-20250306", true},
		{"DPT-URA-RD2-D2-20250306", true},
		{"DPT-URA-DN2-D2-20250306", true},
		{"URA-DPT-RD1-D1-20250306", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.LooksLikeResponseFile(tt.name))
		})
	}
}
