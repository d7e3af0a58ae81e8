package webhook

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Note is the structured payload carried in a payment's free-text note.
// The grammar is strict: space-separated key:value tokens, values contain
// no colons or whitespace. Unknown keys are ignored.
type Note struct {
	WalletAddress string `json:"wallet_address,omitempty"`
	RiskProfile   string `json:"risk_profile,omitempty"`
	UserEmail     string `json:"user_email,omitempty"`
	PurchaseType  string `json:"purchase_type,omitempty"`
	ERGCAmount    int64  `json:"ergc_amount,omitempty"`
	DebitERGC     int64  `json:"debit_ergc,omitempty"`
}

var (
	walletRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	emailRe  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// ParseNote parses a note string into its structured fields. It does not
// enforce required fields; callers apply RequireFields per event type.
func ParseNote(raw string) (Note, error) {
	var note Note
	for _, token := range strings.Fields(raw) {
		key, value, ok := strings.Cut(token, ":")
		if !ok {
			// Free-text fragments ("Aave deposit - ...") are legal noise.
			continue
		}
		if strings.Contains(value, ":") {
			return Note{}, fmt.Errorf("token %q: value contains colon", key)
		}
		switch key {
		case "wallet":
			if !walletRe.MatchString(value) {
				return Note{}, fmt.Errorf("wallet token %q is not a valid address", value)
			}
			note.WalletAddress = value
		case "risk":
			note.RiskProfile = value
		case "email":
			if !emailRe.MatchString(value) {
				return Note{}, fmt.Errorf("email token is not a valid address")
			}
			note.UserEmail = value
		case "purchase_type":
			note.PurchaseType = value
		case "ergc":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Note{}, fmt.Errorf("ergc token %q is not an integer", value)
			}
			note.ERGCAmount = n
		case "debit_ergc":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Note{}, fmt.Errorf("debit_ergc token %q is not an integer", value)
			}
			note.DebitERGC = n
		}
		// unknown keys ignored
	}
	return note, nil
}

// String renders the note back into its wire grammar. Parsing the result
// recovers the same fields.
func (n Note) String() string {
	var parts []string
	if n.WalletAddress != "" {
		parts = append(parts, "wallet:"+n.WalletAddress)
	}
	if n.RiskProfile != "" {
		parts = append(parts, "risk:"+n.RiskProfile)
	}
	if n.UserEmail != "" {
		parts = append(parts, "email:"+n.UserEmail)
	}
	if n.PurchaseType != "" {
		parts = append(parts, "purchase_type:"+n.PurchaseType)
	}
	if n.ERGCAmount != 0 {
		parts = append(parts, "ergc:"+strconv.FormatInt(n.ERGCAmount, 10))
	}
	if n.DebitERGC != 0 {
		parts = append(parts, "debit_ergc:"+strconv.FormatInt(n.DebitERGC, 10))
	}
	return strings.Join(parts, " ")
}

// RequireFields verifies the required token set for an event type.
// Payment events must carry wallet and risk; email stays optional.
func (n Note) RequireFields(eventType EventType) error {
	switch eventType {
	case EventPaymentCreated, EventPaymentUpdated, EventOrderUpdated:
		if n.WalletAddress == "" {
			return fmt.Errorf("missing required wallet token")
		}
		if n.RiskProfile == "" {
			return fmt.Errorf("missing required risk token")
		}
		return nil
	default:
		return fmt.Errorf("unsupported event type %q", eventType)
	}
}
