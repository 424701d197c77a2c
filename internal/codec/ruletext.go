package codec

import (
	"strconv"
	"strings"
)

// couponRuleCodeFloor is the lowest computer rule code that belongs to the
// coupon parking rules.
const couponRuleCodeFloor = 40000

type ruleTranslation struct {
	label       string
	description string
}

// parkingRules maps stored rule numbers to the label and description
// printed on letters.
var parkingRules = map[string]ruleTranslation{
	"13#":   {"13", "Parking beyond the boundaries of a parking lot"},
	"13*":   {"13", "Parking in such manner as to cause obstruction in/around a parking place"},
	"13A#":  {"13A(1)(a)", "Entering a parking place other than through the access provided for that purpose"},
	"13A*":  {"13A(1)(b)", "Leaving a parking place other than through the exit provided for that purpose"},
	"4(1)#": {"4(1)", "Parking in a coupon parking place without displaying valid parking coupon(s)"},
	"4(1)*": {"4(1)", "Parking in a coupon parking place without displaying valid parking coupon(s) - coupon(s) displayed not valid/insufficient to meet the parking charge"},
}

// RuleText returns the rule label and description printed for a notice.
// ruleCode is the computer rule code, which may be empty.
func RuleText(ruleCode, ruleNo, ruleDesc string) (text, desc string) {
	code, err := strconv.ParseInt(strings.TrimSpace(ruleCode), 10, 64)
	if err != nil {
		return ruleNo, ruleDesc
	}
	if code >= couponRuleCodeFloor {
		return "Rule " + ruleNo + " of Parking Places (Coupon Parking) Rules", ruleDesc
	}

	label := ruleNo
	if t, ok := parkingRules[strings.TrimSpace(ruleNo)]; ok {
		label = t.label
		desc = t.description
	} else {
		desc = ruleDesc
	}
	return "Rule " + label + " of Parking Places Rules", desc
}
