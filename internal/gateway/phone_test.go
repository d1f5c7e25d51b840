package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"(11) 98765-4321", "5511987654321"},
		{"11 3456-7890", "551134567890"},
		{"+55 11 98765-4321", "5511987654321"},
		{"5511987654321", "5511987654321"},
		{"1-800-555", "1800555"},
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizePhone(tc.in))
		})
	}
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "5511****4321", MaskPhone("(11) 98765-4321"))
	assert.Equal(t, "****", MaskPhone("123"))
}

func TestClamp(t *testing.T) {
	v := func(i int) *int { return &i }
	assert.Equal(t, 3, clamp(nil, 1, 15, 3))
	assert.Equal(t, 1, clamp(v(0), 1, 15, 3))
	assert.Equal(t, 15, clamp(v(99), 1, 15, 3))
	assert.Equal(t, 7, clamp(v(7), 1, 15, 3))
	assert.Equal(t, 1, clamp(nil, 1, 15, 0), "fallback is bounded too")
	assert.Equal(t, 15, clamp(nil, 1, 15, 20))
}
