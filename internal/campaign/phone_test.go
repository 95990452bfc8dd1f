package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"5511900000001", "5511900000001"},
		{"+55 (11) 90000-0001", "5511900000001"},
		{"(11) 90000-0001", "5511900000001"},
		{"11 3333-4444", "551133334444"},
		{"0055 11 90000 0001", "5511900000001"},
		{"447911123456", "447911123456"},
		{"1234567", ""},
		{"", ""},
		{"abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.raw, "55"))
		})
	}
}

func TestNormalizePhone_NoDefaultCountry(t *testing.T) {
	assert.Equal(t, "11900000001", NormalizePhone("(11) 90000-0001", ""))
}
