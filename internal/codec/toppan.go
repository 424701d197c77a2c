package codec

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	toppanLineWidth = 718
	toppanDate      = "02-01-2006"
	toppanDateTime  = "02-01-2006 03:04 PM"
)

// Toppan response file families. Names are matched case-insensitively.
var (
	toppanAckPrefixes    = []string{"DPT-URA-LOG-D2-", "DPT-URA-LOG-PDF-"}
	toppanReturnPrefixes = []string{"DPT-URA-RD2-D2-", "DPT-URA-DN2-D2-", "DPT-URA-PDF-D2-"}
)

var (
	toppanDataFile     = regexp.MustCompile(`Data File\s*:\s*(URA-DPT-(\w+)-D1-\d+)`)
	toppanStatus       = regexp.MustCompile(`Status\s*:\s*(.+)`)
	toppanPrinted      = regexp.MustCompile(`Total accounts printed\s*:\s*(\d+)`)
	toppanErrorCount   = regexp.MustCompile(`Total accounts with error.*:\s*(\d+)`)
	toppanNoticeLine   = regexp.MustCompile(`^(\d{9}[A-Z])\s+`)
	toppanNoticeNo     = regexp.MustCompile(`^[0-9]{9}[A-Z]$`)
	toppanAlnum        = regexp.MustCompile(`^[0-9A-Z]+$`)
	toppanPostal       = regexp.MustCompile(`^\d{6}$`)
	toppanDateText     = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`)
	toppanDateTimeText = regexp.MustCompile(`^\d{2}-\d{2}-\d{4} \d{2}:\d{2} (AM|PM)$`)
	toppanRegNo13      = regexp.MustCompile(`^[A-Z]{2}[0-9]{9}[A-Z]{2}$`)
)

type toppanCodec struct{}

// NewToppan returns the codec for the letter printing exchange.
func NewToppan() Codec {
	return toppanCodec{}
}

func (toppanCodec) Agency() Agency { return AgencyToppan }

func (toppanCodec) FilenameFor(stage Stage, ts time.Time) string {
	if stage == "" {
		stage = StageRD1
	}
	return "URA-DPT-" + string(stage) + "-D1-" + ts.Format("20060102150405")
}

func (toppanCodec) LooksLikeResponseFile(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range append(toppanAckPrefixes, toppanReturnPrefixes...) {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// EncodeRequest writes the letter data file. Details are ordered by postal
// code and every record is 718 characters plus a line feed.
func (toppanCodec) EncodeRequest(_ Stage, records []Record, ts time.Time) []byte {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].String("postalCode") < sorted[j].String("postalCode")
	})

	var sb strings.Builder
	sb.WriteString(padRight("H"+ts.Format("20060102")+ts.Format("1504"), toppanLineWidth))
	sb.WriteString("\n")
	for _, rec := range sorted {
		sb.WriteString(toppanDetail(rec, ts))
		sb.WriteString("\n")
	}
	sb.WriteString(padRight("T"+zeroPad(int64(len(sorted)), 7), toppanLineWidth))
	sb.WriteString("\n")
	return []byte(sb.String())
}

func toppanDetail(rec Record, ts time.Time) string {
	letterDate, letterOK := rec.Time("letterDate")
	noticeAt, noticeOK := rec.Time("noticeDateAndTime")
	expiry, expiryOK := rec.Time("paymentDueDate")

	ruleText, ruleDesc := RuleText(rec.String("computerRuleCode"), rec.String("ruleNo"), rec.String("ruleDesc"))

	composition, compOK := rec.Amount("compositionAmount")
	fine := centsOf(composition)
	if sur, ok := rec.Amount("surAmount"); ok {
		fine += centsOf(sur)
	}

	due := ts.AddDate(0, 0, 7)
	if noticeOK {
		due = noticeAt.AddDate(0, 0, 7)
	}

	var sb strings.Builder
	sb.Grow(toppanLineWidth)
	sb.WriteString("D")
	sb.WriteString(timeField(letterDate, letterOK, toppanDate, 10, " "))
	sb.WriteString(padRight(rec.String("noticeNo"), 10))
	sb.WriteString(padRight(rec.String("ownerDriverName"), 66))
	sb.WriteString(padRight("", 20))
	sb.WriteString(padRight(rec.String("blkHseNo"), 10))
	sb.WriteString(padRight(rec.String("streetName"), 32))
	sb.WriteString(padRight(rec.String("floorNo"), 2))
	sb.WriteString(padRight(rec.String("unitNo"), 5))
	sb.WriteString(padRight(rec.String("buildingName"), 30))
	sb.WriteString(padRight(rec.String("postalCode"), 6))
	sb.WriteString(padRight(rec.String("vehicleNo"), 12))
	sb.WriteString(timeField(noticeAt, noticeOK, toppanDateTime, 19, " "))
	sb.WriteString(padRight(rec.String("ppName"), 45))
	sb.WriteString(padRight(ruleText, 61))
	sb.WriteString(padRight(ruleDesc, 255))
	sb.WriteString(padRight("", 100))
	sb.WriteString(amountField(composition, compOK, 7))
	sb.WriteString(timeField(expiry, expiryOK, toppanDate, 10, " "))
	sb.WriteString(zeroPad(fine, 7))
	sb.WriteString(timeField(due, true, toppanDate, 10, " "))
	return sb.String()
}

// DecodeHeader reads the run date and time from the header and the count
// from the trailer.
func (toppanCodec) DecodeHeader(data []byte) Header {
	var h Header
	for _, line := range splitLines(data) {
		switch {
		case strings.HasPrefix(line, "H"):
			h.Timestamp, h.Present = parseStamp("200601021504", slice(line, 1, 12))
		case strings.HasPrefix(line, "T"):
			if n, err := strconv.Atoi(slice(line, 1, 7)); err == nil {
				h.Count = n
			}
		}
	}
	return h
}

// DecodeResponse reads a registered mail return file. Details failing field
// validation are rejected.
func (toppanCodec) DecodeResponse(data []byte) *Batch {
	b := &Batch{}
	lines := splitLines(data)

	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start == len(lines) {
		b.Errors = append(b.Errors, "EMPTY_FILE")
		return b
	}
	if h, ok := parseToppanReturnHeader(lines[start]); ok {
		b.Header = h
	} else {
		b.Errors = append(b.Errors, "HEADER_INVALID")
	}

	trailerSeen := false
	for _, line := range lines[start+1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "T") {
			trailerSeen = true
			if err := checkToppanTrailer(line, len(b.Records), &b.Header); err != "" {
				b.Errors = append(b.Errors, err)
			}
			break
		}
		if !strings.HasPrefix(line, "D") {
			b.Rejected++
			continue
		}
		rec, problem := parseToppanReturnDetail(line)
		if problem != "" {
			b.Rejected++
			continue
		}
		b.Records = append(b.Records, rec)
	}
	if !trailerSeen {
		b.Errors = append(b.Errors, "TRAILER_MISSING")
		b.Header.Count = len(b.Records)
	}
	return b
}

func parseToppanReturnHeader(line string) (Header, bool) {
	if !strings.HasPrefix(line, "H") || len(line) < 13 {
		return Header{}, false
	}
	ts, ok := parseStamp("200601021504", line[1:13])
	if !ok {
		return Header{}, false
	}
	if len(line) > 18 && strings.TrimSpace(line[18:]) != "" {
		return Header{}, false
	}
	return Header{Timestamp: ts, Present: true}, true
}

// checkToppanTrailer validates the printed, rejected and total counts and
// stores the printed count on h.
func checkToppanTrailer(line string, parsed int, h *Header) string {
	if len(line) < 22 {
		return "TRAILER_INVALID"
	}
	printed, err1 := strconv.Atoi(strings.TrimSpace(line[1:8]))
	rejected, err2 := strconv.Atoi(strings.TrimSpace(line[8:15]))
	total, err3 := strconv.Atoi(strings.TrimSpace(line[15:22]))
	if err1 != nil || err2 != nil || err3 != nil {
		return "TRAILER_INVALID"
	}
	h.Count = printed
	if printed > 0 && parsed == 0 {
		return "TRAILER_COUNT_MISMATCH"
	}
	if printed+rejected > total {
		return "TRAILER_COUNT_MISMATCH"
	}
	if len(line) > 22 && strings.TrimSpace(line[22:]) != "" {
		return "FIELD_INVALID_FILLER"
	}
	return ""
}

// parseToppanReturnDetail validates one return record. Offsets are relative
// to the character after the record type.
func parseToppanReturnDetail(line string) (Record, string) {
	content := line[1:]
	if len(content) < 20 {
		return nil, "FIELD_MISSING_DATA"
	}

	rec := Record{}
	date := strings.TrimSpace(content[0:10])
	if date != "" {
		if !toppanDateText.MatchString(date) {
			return nil, "FIELD_INVALID_TYPE_DATE"
		}
		if _, err := time.Parse(toppanDate, date); err != nil {
			return nil, "FIELD_INVALID_TYPE_DATE"
		}
	}
	rec["letterDate"] = date

	notice := strings.TrimSpace(content[10:20])
	switch {
	case notice == "":
		return nil, "FIELD_MISSING_NOTICE"
	case !toppanAlnum.MatchString(notice):
		return nil, "FIELD_INVALID_SYMBOLS_NOTICE"
	case !toppanNoticeNo.MatchString(notice):
		return nil, "FIELD_INVALID_FORMAT_NOTICE"
	}
	rec["noticeNo"] = notice

	if len(content) < 106 {
		return nil, "FIELD_MISSING_NRIC"
	}
	nric := strings.TrimSpace(content[86:106])
	if nric == "" {
		return nil, "FIELD_MISSING_NRIC"
	}
	if !toppanAlnum.MatchString(nric) {
		return nil, "FIELD_INVALID_SYMBOLS_NRIC"
	}
	rec["nric"] = nric

	if len(content) >= 191 {
		postal := strings.TrimSpace(content[185:191])
		if postal != "" && !toppanPostal.MatchString(postal) {
			return nil, "FIELD_INVALID_TYPE_POSTAL"
		}
		rec["postalCode"] = postal
	}

	if len(content) >= 222 {
		at := strings.TrimSpace(content[203:222])
		if at != "" && !toppanDateTimeText.MatchString(at) {
			return nil, "FIELD_INVALID_TYPE_DATETIME"
		}
		rec["noticeDateAndTime"] = at
	}

	if len(content) >= 237 {
		reg := strings.TrimSpace(content[222:237])
		if reg != "" {
			if !toppanAlnum.MatchString(reg) {
				return nil, "FIELD_INVALID_SYMBOLS_REG"
			}
			if len(reg) == 13 && !toppanRegNo13.MatchString(reg) {
				return nil, "FIELD_INVALID_FORMAT_REG"
			}
			rec["registrationNo"] = reg
		}
	}
	return rec, ""
}

type toppanAck struct {
	dataFile   string
	stage      string
	status     string
	printed    int
	errors     int
	successful []string
	failed     []string
}

func parseToppanAck(data []byte) toppanAck {
	var ack toppanAck
	section := ""

	for _, line := range splitLines(data) {
		if m := toppanDataFile.FindStringSubmatch(line); m != nil {
			ack.dataFile, ack.stage = m[1], m[2]
		}
		if m := toppanErrorCount.FindStringSubmatch(line); m != nil {
			ack.errors, _ = strconv.Atoi(m[1])
			section = "failed"
			continue
		}
		if m := toppanPrinted.FindStringSubmatch(line); m != nil {
			ack.printed, _ = strconv.Atoi(m[1])
		}

		switch {
		case strings.Contains(line, "Error Report") || strings.Contains(line, "accounts with error"):
			section = "failed"
			continue
		case strings.Contains(line, "Overseas Address Report"):
			section = "overseas"
			continue
		case strings.Contains(line, "Successfully Processed") || strings.Contains(line, "Summary Report"):
			section = ""
		}

		if m := toppanStatus.FindStringSubmatch(line); m != nil && ack.status == "" {
			ack.status = strings.TrimSpace(m[1])
		}

		if m := toppanNoticeLine.FindStringSubmatch(line); m != nil {
			switch section {
			case "failed":
				ack.failed = append(ack.failed, m[1])
			case "overseas":
				ack.successful = append(ack.successful, m[1])
			}
		}
	}
	return ack
}

// DecodeReport summarises an acknowledgement file.
func (toppanCodec) DecodeReport(data []byte) Summary {
	ack := parseToppanAck(data)
	s := newSummary()
	s.Counts["totalPrinted"] = ack.printed
	s.Counts["totalErrors"] = ack.errors
	s.Counts["failed"] = len(ack.failed)
	s.Counts["overseas"] = len(ack.successful)

	successful := ack.printed - len(ack.failed)
	if successful < 0 {
		successful = 0
	}
	s.Counts["successful"] = successful

	s.Attributes["dataFile"] = ack.dataFile
	s.Attributes["stage"] = ack.stage
	s.Attributes["status"] = ack.status
	ok := !strings.Contains(strings.ToLower(ack.status), "error") && ack.errors == 0 && len(ack.failed) == 0
	s.Attributes["successful"] = strconv.FormatBool(ok)
	return s
}

// DecodeExceptions lists the notices in an acknowledgement's error section.
func (toppanCodec) DecodeExceptions(data []byte) *Batch {
	ack := parseToppanAck(data)
	b := &Batch{}
	for _, n := range ack.failed {
		b.Records = append(b.Records, Record{"noticeNo": n, "stage": ack.stage})
	}
	b.Header.Count = len(b.Records)
	return b
}
