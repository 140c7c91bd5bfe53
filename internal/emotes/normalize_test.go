package emotes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`\:-?\)`, ":)"},
		{`[oO](_|\.)[oO]`, "O_o"},
		{`\&lt\;3`, "<3"},
		{`:-?(?:7|L)`, ":7"},
		{":-)", ":)"},
		{":)", ":)"},
		{"o.O", "O_o"},
		{"O_o", "O_o"},
		{"&lt;3", "<3"},
		{":-P", ":P"},
		{":p", ":P"},
		{":|", ":Z"},
		{`:\`, ":/"},
		{"#/", "#/"},
		{":L", ":7"},
		{":&gt;", ":>"},
		{"Kappa", "Kappa"},
		{"", ""},
		{":--)", ":--)"},
		{":)x", ":)x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeCodeIdempotent(t *testing.T) {
	inputs := []string{"Kappa", "", "😀", ":--)", "B)", "R-)", ";-p", "&gt;(", "&lt;]", ":S", ":-D", ":o", "oO"}
	for name := range regexNames {
		inputs = append(inputs, name)
	}
	for _, s := range shorthands {
		inputs = append(inputs, s.code)
	}
	for _, in := range inputs {
		once := NormalizeCode(in)
		assert.Equal(t, once, NormalizeCode(once), "input %q", in)
	}
}
