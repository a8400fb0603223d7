package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersonKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "Müller, Jan", want: "müller, jan"},
		{name: "no space after comma", input: "Müller,Jan", want: "müller, jan"},
		{name: "space before comma", input: "Müller ,Jan", want: "müller, jan"},
		{name: "decomposed umlaut", input: "Mu\u0308ller, Jan", want: "müller, jan"},
		{name: "upper case", input: "MÜLLER, JAN", want: "müller, jan"},
		{name: "extra whitespace", input: "  Müller,   Jan  ", want: "müller, jan"},
		{name: "non breaking space", input: "Müller,\u00a0Jan", want: "müller, jan"},
		{name: "double first name", input: "Schmidt, Anna  Lena", want: "schmidt, anna lena"},
		{name: "no comma", input: "Jan Müller", want: "jan müller"},
		{name: "empty", input: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PersonKey(tt.input))
		})
	}
}

func TestPersonKey_Idempotent(t *testing.T) {
	key := PersonKey("Müller ,  Jan")
	assert.Equal(t, key, PersonKey(key))
}

func TestCompetenceCenter(t *testing.T) {
	assert.Equal(t, "cc digital", CompetenceCenter("  CC   Digital "))
	assert.Equal(t, CompetenceCenter("cc digital"), CompetenceCenter("CC Digital"))
}

func TestApply_UnknownNormalizer(t *testing.T) {
	assert.Equal(t, "Value", Apply("Value", "does_not_exist"))
}

func TestRegister(t *testing.T) {
	Register("test_upper_x", func(s string) string { return s + "X" })
	fn, ok := Get("test_upper_x")
	assert.True(t, ok)
	assert.Equal(t, "aX", fn("a"))
	assert.Equal(t, "aXX", ApplyChain("a", "test_upper_x", "test_upper_x"))
}
