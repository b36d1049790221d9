// Package fingerprint derives the deterministic request key used by the
// deduplicator and the cache. Two requests that differ only in parameter
// order, identifier casing or phone formatting produce the same key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Identifiers is the normalized customer lookup tuple.
type Identifiers struct {
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	CheckoutToken string `json:"checkoutToken,omitempty"`
	OrderName     string `json:"orderName,omitempty"`
}

// Normalize returns a copy with every field in canonical form: phone is
// reduced to digits with the last ten anchored, email and checkout token are
// lowercased and trimmed, order id and order name keep their case.
func (id Identifiers) Normalize() Identifiers {
	return Identifiers{
		Phone:         NormalizePhone(id.Phone),
		Email:         strings.ToLower(strings.TrimSpace(id.Email)),
		OrderID:       strings.TrimSpace(id.OrderID),
		CheckoutToken: strings.ToLower(strings.TrimSpace(id.CheckoutToken)),
		OrderName:     strings.TrimSpace(id.OrderName),
	}
}

// Empty reports whether no identifier is present after normalization.
func (id Identifiers) Empty() bool {
	n := id.Normalize()
	return n.Phone == "" && n.Email == "" && n.OrderID == "" && n.CheckoutToken == "" && n.OrderName == ""
}

// Fingerprint returns the 64-hex SHA-256 key over the normalized tuple.
func (id Identifiers) Fingerprint() string {
	n := id.Normalize()
	// Fixed field order makes parameter order irrelevant.
	canonical := strings.Join([]string{
		"phone=" + n.Phone,
		"email=" + n.Email,
		"orderId=" + n.OrderID,
		"checkoutToken=" + n.CheckoutToken,
		"orderName=" + n.OrderName,
	}, "&")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// FromMap builds Identifiers from loosely-typed request parameters. Unknown
// keys are ignored; missing keys are treated as empty input.
func FromMap(params map[string]string) Identifiers {
	var id Identifiers
	for k, v := range params {
		switch strings.ToLower(k) {
		case "phone":
			id.Phone = v
		case "email":
			id.Email = v
		case "orderid":
			id.OrderID = v
		case "checkouttoken":
			id.CheckoutToken = v
		case "ordername":
			id.OrderName = v
		}
	}
	return id
}

// NormalizePhone strips a phone number to digits. Numbers with more than ten
// digits are anchored on the last ten so that country-code variants of the
// same subscriber line collapse to one key. Fewer than ten digits are kept
// as-is; input with no digits normalizes to empty.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}
