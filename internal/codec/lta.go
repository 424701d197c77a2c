package codec

import (
	"strconv"
	"strings"
	"time"
)

const (
	ltaRequestPrefix  = "VRL-URA-OFFENQ-D1-"
	ltaResponsePrefix = "VRL-URA-OFFREPLY-D2-"
	ltaRequestWidth   = 47
)

// LTA reply error codes that describe the enquiry file rather than a vehicle.
var ltaIntegrityErrors = map[string]string{
	"A": "record count mismatch",
	"B": "header missing",
	"C": "trailer missing",
}

// ltaReplyLayout is the 691-character VRLS reply detail record.
var ltaReplyLayout = Layout{
	{Name: "vehicleNumber", Start: 1, Width: 12},
	{Name: "chassisNumber", Start: 13, Width: 25},
	{Name: "diplomaticFlag", Start: 38, Width: 1},
	{Name: "offenceNoticeNumber", Start: 39, Width: 10},
	{Name: "ownerIdType", Start: 49, Width: 1},
	{Name: "passportPlaceOfIssue", Start: 50, Width: 3},
	{Name: "ownerId", Start: 53, Width: 20},
	{Name: "ownerName", Start: 73, Width: 66},
	{Name: "addressType", Start: 139, Width: 1},
	{Name: "blockHouseNo", Start: 140, Width: 10},
	{Name: "streetName", Start: 150, Width: 32},
	{Name: "floorNumber", Start: 182, Width: 2},
	{Name: "unitNumber", Start: 184, Width: 5},
	{Name: "buildingName", Start: 189, Width: 30},
	{Name: "postalCode", Start: 219, Width: 8},
	{Name: "vehicleMake", Start: 227, Width: 100},
	{Name: "primaryColour", Start: 327, Width: 100},
	{Name: "secondaryColour", Start: 427, Width: 100},
	{Name: "roadTaxExpiryDate", Start: 527, Width: 8},
	{Name: "unladenWeight", Start: 535, Width: 7, Type: FieldNumber},
	{Name: "maxLadenWeight", Start: 542, Width: 7, Type: FieldNumber},
	{Name: "effectiveOwnershipDate", Start: 549, Width: 8},
	{Name: "deregistrationDate", Start: 557, Width: 8},
	{Name: "errorCode", Start: 565, Width: 1},
	{Name: "processingDate", Start: 566, Width: 8},
	{Name: "processingTime", Start: 574, Width: 4},
	{Name: "iuObuLabel", Start: 578, Width: 10},
	{Name: "regAddressEffectiveDate", Start: 588, Width: 8},
	{Name: "mailingBlockHouse", Start: 596, Width: 10},
	{Name: "mailingStreetName", Start: 606, Width: 32},
	{Name: "mailingFloorNumber", Start: 638, Width: 2},
	{Name: "mailingUnitNumber", Start: 640, Width: 5},
	{Name: "mailingBuildingName", Start: 645, Width: 30},
	{Name: "mailingPostalCode", Start: 675, Width: 8},
	{Name: "mailingAddressEffectiveDate", Start: 683, Width: 8},
}

type ltaCodec struct{}

// NewLTA returns the codec for the vehicle registration enquiry exchange.
func NewLTA() Codec {
	return ltaCodec{}
}

func (ltaCodec) Agency() Agency { return AgencyLTA }

func (ltaCodec) FilenameFor(_ Stage, ts time.Time) string {
	return ltaRequestPrefix + ts.Format("20060102150405")
}

func (ltaCodec) LooksLikeResponseFile(name string) bool {
	return strings.HasPrefix(strings.ToUpper(name), ltaResponsePrefix)
}

// EncodeRequest writes the 47-character enquiry file. The trailer carries no
// line feed.
func (ltaCodec) EncodeRequest(_ Stage, records []Record, ts time.Time) []byte {
	lines := make([]string, 0, len(records)+2)
	lines = append(lines, padRight("H"+ts.Format("20060102"), ltaRequestWidth))

	processing := ts.Format("20060102") + ts.Format("1504")
	for _, rec := range records {
		offence, ok := rec.Time("noticeDateAndTime")
		var sb strings.Builder
		sb.WriteString("D")
		sb.WriteString(padRight(rec.String("vehicleNo"), 12))
		sb.WriteString(padRight(rec.String("noticeNo"), 10))
		sb.WriteString(timeField(offence, ok, "200601021504", 12, "0"))
		sb.WriteString(processing)
		lines = append(lines, padRight(sb.String(), ltaRequestWidth))
	}

	lines = append(lines, padRight("T"+zeroPad(int64(len(records)), 6), ltaRequestWidth))
	return []byte(strings.Join(lines, "\n"))
}

func (ltaCodec) DecodeResponse(data []byte) *Batch {
	lines := splitLines(data)
	if isVRLSReply(lines) {
		return decodeVRLS(lines)
	}
	return decodeLTAStatusCSV(data)
}

func (ltaCodec) DecodeHeader(data []byte) Header {
	var h Header
	for _, line := range splitLines(data) {
		switch {
		case strings.HasPrefix(line, "H"):
			h.Timestamp, h.Present = parseStamp("20060102", slice(line, 1, 8))
		case strings.HasPrefix(line, "T"):
			if n, err := strconv.Atoi(slice(line, 1, 6)); err == nil {
				h.Count = n
			}
		}
	}
	return h
}

// DecodeReport summarises a VRLS reply, including file integrity problems
// reported by LTA or found while reading.
func (ltaCodec) DecodeReport(data []byte) Summary {
	s := newSummary()
	lines := splitLines(data)
	if !isVRLSReply(lines) {
		b := decodeLTAStatusCSV(data)
		s.Counts["records"] = len(b.Records)
		s.Counts["rejected"] = b.Rejected
		for _, rec := range b.Records {
			s.Counts["status:"+strings.ToUpper(rec.String("status"))]++
		}
		return s
	}

	b := decodeVRLS(lines)
	s.Counts["records"] = len(b.Records)
	s.Counts["trailerCount"] = b.Header.Count
	s.Counts["rejected"] = b.Rejected
	if b.Header.Present {
		s.Attributes["dateOfRun"] = b.Header.Timestamp.Format("20060102")
	}

	integrity := ""
	for _, rec := range b.Records {
		code := rec.String("errorCode")
		if code == "" {
			continue
		}
		s.Counts["errorRecords"]++
		if _, ok := ltaIntegrityErrors[code]; ok {
			s.Counts["integrityErrors"]++
			if integrity == "" {
				integrity = code
			}
		}
	}
	if integrity == "" {
		integrity = localIntegrityCode(b.Errors)
	}
	if integrity != "" {
		s.Attributes["integrityError"] = integrity
		s.Attributes["integrityErrorDescription"] = ltaIntegrityErrors[integrity]
	}
	return s
}

// DecodeExceptions returns reply records that carry an error code.
func (ltaCodec) DecodeExceptions(data []byte) *Batch {
	lines := splitLines(data)
	if !isVRLSReply(lines) {
		return &Batch{}
	}
	all := decodeVRLS(lines)
	out := &Batch{Header: all.Header, Rejected: all.Rejected, Errors: all.Errors}
	for _, rec := range all.Records {
		if rec.String("errorCode") != "" {
			out.Records = append(out.Records, rec)
		}
	}
	return out
}

// IntegrityError reports whether a decoded LTA reply describes a file level
// failure and returns its code.
func IntegrityError(s Summary) (string, bool) {
	code := s.Attr("integrityError")
	return code, code != ""
}

func isVRLSReply(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return len(line) >= 9 && line[0] == 'H' && isDigits(line[1:9])
	}
	return false
}

func decodeVRLS(lines []string) *Batch {
	b := &Batch{}
	headerSeen, trailerSeen := false, false
	trailerCount := 0

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch line[0] {
		case 'H':
			headerSeen = true
			b.Header.Timestamp, b.Header.Present = parseStamp("20060102", slice(line, 1, 8))
		case 'D':
			if len(strings.TrimSpace(line)) <= 1 {
				b.Rejected++
				continue
			}
			b.Records = append(b.Records, ltaReplyLayout.Decode(line))
		case 'T':
			trailerSeen = true
			if n, err := strconv.Atoi(slice(line, 1, 6)); err == nil {
				trailerCount = n
			} else {
				b.Rejected++
			}
		default:
			b.Rejected++
		}
	}

	b.Header.Count = len(b.Records)
	if !headerSeen {
		b.Errors = append(b.Errors, "HEADER_MISSING")
	}
	if !trailerSeen {
		b.Errors = append(b.Errors, "TRAILER_MISSING")
	} else {
		b.Header.Count = trailerCount
		if trailerCount != len(b.Records) {
			b.Errors = append(b.Errors, "RECORD_COUNT_MISMATCH")
		}
	}
	return b
}

func localIntegrityCode(errs []string) string {
	for _, e := range errs {
		switch e {
		case "RECORD_COUNT_MISMATCH":
			return "A"
		case "HEADER_MISSING":
			return "B"
		case "TRAILER_MISSING":
			return "C"
		}
	}
	return ""
}

// decodeLTAStatusCSV reads the noticeNo,status,remarks status file. The
// first row is a column header.
func decodeLTAStatusCSV(data []byte) *Batch {
	rows, rejected := readCSV(data)
	b := &Batch{Rejected: rejected}
	if len(rows) > 0 {
		rows = rows[1:]
	}
	for _, row := range rows {
		if len(row) < 2 || row[0] == "" {
			b.Rejected++
			continue
		}
		rec := Record{"noticeNo": row[0], "status": row[1], "remarks": ""}
		if len(row) > 2 {
			rec["remarks"] = row[2]
		}
		b.Records = append(b.Records, rec)
	}
	b.Header.Count = len(b.Records)
	return b
}
