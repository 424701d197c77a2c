package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLTAEncodeRequest(t *testing.T) {
	c := NewLTA()
	ts := time.Date(2025, 3, 6, 10, 29, 59, 0, time.Local)
	records := []Record{
		{
			"vehicleNo":         "SBA1234A",
			"noticeNo":          "500123456A",
			"noticeDateAndTime": time.Date(2025, 3, 1, 8, 5, 0, 0, time.Local),
		},
		{
			"vehicleNo": "AN-OVERSIZED-VEHICLE-NUMBER",
			"noticeNo":  "500123457B",
		},
	}

	out := string(c.EncodeRequest("", records, ts))
	assert.False(t, strings.HasSuffix(out, "\n"))

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Len(t, line, 47)
	}

	assert.Equal(t, padRight("H20250306", 47), lines[0])
	assert.Equal(t, "D"+"SBA1234A    "+"500123456A"+"202503010805"+"20250306"+"1029", lines[1])
	assert.Equal(t, "D"+"AN-OVERSIZED"+"500123457B"+"000000000000"+"20250306"+"1029", lines[2])
	assert.Equal(t, padRight("T000002", 47), lines[3])
}

func TestLTAEncodeThenDecodeHeader(t *testing.T) {
	c := NewLTA()
	ts := time.Date(2025, 12, 31, 23, 59, 0, 0, time.Local)

	tests := []struct {
		name    string
		records []Record
	}{
		{"no records", nil},
		{"one record", []Record{{"vehicleNo": "SBA1A", "noticeNo": "1"}}},
		{"three records", []Record{{"noticeNo": "1"}, {"noticeNo": "2"}, {"noticeNo": "3"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := c.EncodeRequest("", tt.records, ts)
			h := c.DecodeHeader(data)
			assert.True(t, h.Present)
			assert.Equal(t, len(tt.records), h.Count)
			assert.True(t, time.Date(2025, 12, 31, 0, 0, 0, 0, time.Local).Equal(h.Timestamp))
		})
	}
}

func TestLTAZeroRecordTrailer(t *testing.T) {
	data := NewLTA().EncodeRequest("", nil, time.Now())
	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "T000000"))
}

func vrlsReply(details ...map[string]string) []byte {
	lines := []string{padRight("H20250307", 691)}
	for _, d := range details {
		lines = append(lines, buildLine(ltaReplyLayout, "D", d))
	}
	lines = append(lines, padRight("T"+zeroPad(int64(len(details)), 6), 691))
	return []byte(strings.Join(lines, "\n") + "\n")
}

func TestLTADecodeVRLSReply(t *testing.T) {
	c := NewLTA()
	data := vrlsReply(
		map[string]string{
			"vehicleNumber":               "SBA1234A",
			"offenceNoticeNumber":         "500123456A",
			"ownerName":                   "TAN AH KOW",
			"postalCode":                  "123456",
			"unladenWeight":               "0001500",
			"mailingAddressEffectiveDate": "20250101",
		},
		map[string]string{
			"vehicleNumber":       "SBB9999Z",
			"offenceNoticeNumber": "500123457B",
			"errorCode":           "1",
		},
	)

	b := c.DecodeResponse(data)
	require.Len(t, b.Records, 2)
	assert.Empty(t, b.Errors)
	assert.Equal(t, 0, b.Rejected)
	assert.Equal(t, 2, b.Header.Count)

	first := b.Records[0]
	assert.Equal(t, "SBA1234A", first["vehicleNumber"])
	assert.Equal(t, "500123456A", first["offenceNoticeNumber"])
	assert.Equal(t, "TAN AH KOW", first["ownerName"])
	assert.Equal(t, "123456", first["postalCode"])
	assert.Equal(t, int64(1500), first["unladenWeight"])
	assert.Equal(t, "20250101", first["mailingAddressEffectiveDate"])
	assert.Equal(t, "", first["errorCode"])

	ex := c.DecodeExceptions(data)
	require.Len(t, ex.Records, 1)
	assert.Equal(t, "500123457B", ex.Records[0]["offenceNoticeNumber"])
}

func TestLTADecodeShortAndUnknownLines(t *testing.T) {
	data := []byte("H20250307\nDSBA1234A    CHASSIS01\nD\nXGARBAGE\nT000002\n")

	b := NewLTA().DecodeResponse(data)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "SBA1234A", b.Records[0]["vehicleNumber"])
	assert.Equal(t, "CHASSIS01", b.Records[0]["chassisNumber"])
	assert.Equal(t, "", b.Records[0]["offenceNoticeNumber"])
	assert.Equal(t, "", b.Records[0]["ownerName"])
	assert.Equal(t, 2, b.Rejected)
	assert.Contains(t, b.Errors, "RECORD_COUNT_MISMATCH")
}

func TestLTADecodeReportIntegrity(t *testing.T) {
	c := NewLTA()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "clean reply",
			data: vrlsReply(map[string]string{"vehicleNumber": "SBA1234A"}),
			want: "",
		},
		{
			name: "reported count mismatch",
			data: vrlsReply(map[string]string{"vehicleNumber": "SBA1234A", "errorCode": "A"}),
			want: "A",
		},
		{
			name: "trailer missing",
			data: []byte(padRight("H20250307", 691) + "\n" + buildLine(ltaReplyLayout, "D", map[string]string{"vehicleNumber": "X"})),
			want: "C",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := c.DecodeReport(tt.data)
			code, bad := IntegrityError(s)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.want != "", bad)
			assert.Equal(t, "20250307", s.Attr("dateOfRun"))
		})
	}
}

func TestLTADecodeStatusCSV(t *testing.T) {
	data := []byte("Notice No,Status,Remarks\n" +
		"500123456A,S,\"Owner, updated\"\n" +
		"500123457B,F,\"Vehicle \"\"deregistered\"\"\"\n" +
		",F,missing notice\n")

	b := NewLTA().DecodeResponse(data)
	require.Len(t, b.Records, 2)
	assert.Equal(t, 1, b.Rejected)
	assert.Equal(t, "Owner, updated", b.Records[0]["remarks"])
	assert.Equal(t, `Vehicle "deregistered"`, b.Records[1]["remarks"])

	s := NewLTA().DecodeReport(data)
	assert.Equal(t, 1, s.Count("status:S"))
	assert.Equal(t, 1, s.Count("status:F"))
}

func TestLTAFileNames(t *testing.T) {
	c := NewLTA()
	ts := time.Date(2025, 3, 6, 10, 29, 59, 0, time.Local)
	assert.Equal(t, "VRL-URA-OFFENQ-D1-20250306102959", c.FilenameFor("", ts))
	assert.True(t, c.LooksLikeResponseFile("VRL-URA-OFFREPLY-D2-20250307"))
	assert.True(t, c.LooksLikeResponseFile("vrl-ura-offreply-d2-20250307"))
	assert.False(t, c.LooksLikeResponseFile("VRL-URA-OFFENQ-D1-20250306102959"))
}
