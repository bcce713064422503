package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/internal/domain"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"international with separators", "+1 (201) 555-0123", "+12015550123"},
		{"international compact", "+12015550123", "+12015550123"},
		{"us national", "(201) 555-0123", "+12015550123"},
		{"us with trunk prefix", "1-201-555-0123", "+12015550123"},
		{"pakistan national mobile", "0300 1234567", "+923001234567"},
		{"pakistan international", "+92 300 1234567", "+923001234567"},
		{"uk international", "+44 7400 123456", "+447400123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, raw := range []string{"abc", "", "+", "12", "+999999"} {
		_, err := Normalize(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneFormat, raw)
		assert.False(t, IsValid(raw))
	}
}

func TestNetworkAddressRoundTrip(t *testing.T) {
	for _, raw := range []string{"+1 201 555 0123", "0300-1234567", "+447400123456", "+91 81234 56789"} {
		canonical, err := Normalize(raw)
		require.NoError(t, err, raw)
		addr := ToNetworkAddress(canonical)
		assert.NotContains(t, addr, "+")
		assert.Equal(t, canonical, FromNetworkAddress(addr))
	}
}

func TestToNetworkAddress(t *testing.T) {
	assert.Equal(t, "12015550123@s.whatsapp.net", ToNetworkAddress("+12015550123"))
	assert.Equal(t, "+12015550123", FromNetworkAddress("12015550123@s.whatsapp.net"))
}

func TestFormatForDisplay(t *testing.T) {
	assert.Equal(t, "+1 201-555-0123", FormatForDisplay("2015550123"))
	assert.Equal(t, "not a number", FormatForDisplay("not a number"))
}
