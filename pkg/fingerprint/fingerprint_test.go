package fingerprint

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_EquivalentInputs(t *testing.T) {
	tests := []struct {
		name string
		a, b Identifiers
	}{
		{
			name: "phone formatting variants collapse",
			a:    Identifiers{Phone: "+92 300 123 4567", OrderName: "ORDER-1"},
			b:    Identifiers{Phone: "03001234567", OrderName: "ORDER-1"},
		},
		{
			name: "email case insensitive",
			a:    Identifiers{Email: "Jane.Doe@Example.COM"},
			b:    Identifiers{Email: "jane.doe@example.com "},
		},
		{
			name: "checkout token case insensitive",
			a:    Identifiers{CheckoutToken: "ABCdef123"},
			b:    Identifiers{CheckoutToken: "abcdef123"},
		},
		{
			name: "missing equals empty",
			a:    Identifiers{Email: "a@b.com", Phone: ""},
			b:    Identifiers{Email: "a@b.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.a.Fingerprint(), tt.b.Fingerprint())
		})
	}
}

func TestFingerprint_DistinctInputs(t *testing.T) {
	tests := []struct {
		name string
		a, b Identifiers
	}{
		{
			name: "order id is case sensitive",
			a:    Identifiers{OrderID: "ABC"},
			b:    Identifiers{OrderID: "abc"},
		},
		{
			name: "order name is case sensitive",
			a:    Identifiers{OrderName: "Order-1"},
			b:    Identifiers{OrderName: "ORDER-1"},
		},
		{
			name: "different phones differ",
			a:    Identifiers{Phone: "03001234567"},
			b:    Identifiers{Phone: "03001234568"},
		},
		{
			name: "field values do not bleed across fields",
			a:    Identifiers{Email: "x"},
			b:    Identifiers{OrderID: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a.Fingerprint(), tt.b.Fingerprint())
		})
	}
}

func TestFingerprint_Shape(t *testing.T) {
	fp := Identifiers{Email: "a@b.com"}.Fingerprint()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), fp)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+92 300 123 4567", "3001234567"},
		{"(030) 012-34567", "3001234567"},
		{"03001234567", "3001234567"},
		{"12345", "12345"},
		{"abc", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), "input %q", tt.in)
	}
}

func TestFromMap_ParameterOrderIrrelevant(t *testing.T) {
	a := FromMap(map[string]string{"phone": "03001234567", "orderName": "ORDER-1"})
	b := FromMap(map[string]string{"orderName": "ORDER-1", "phone": "+92 300 123 4567"})
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestEmpty(t *testing.T) {
	assert.True(t, Identifiers{}.Empty())
	assert.True(t, Identifiers{Phone: "abc"}.Empty())
	assert.False(t, Identifiers{Email: "a@b.com"}.Empty())
}
