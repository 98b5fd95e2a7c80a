package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractVerificationCode(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"keyword colon", "Your verification code: 483920", "483920"},
		{"chinese keyword", "您的验证码：ZX12AB，请勿泄露", "ZX12AB"},
		{"mixed six", "Use G4X9K2 to finish signing in", "G4X9K2"},
		{"bare six digits", "Enter 771240 to continue", "771240"},
		{"html stripped", `<div style="font-size:16px">code: <b>905311</b></div>`, "905311"},
		{"css unit not a code", `<style>p { padding: 12px; }</style>`, ""},
		{"letters only not a code", "status ABCDEF reported", ""},
		{"empty", "", ""},
		{"no code", "Welcome to your new mailbox!", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractVerificationCode(tc.in))
		})
	}
}

func TestExtractVerificationCodePrefersKeywordMatch(t *testing.T) {
	// 111111 appears first, but the keyword-anchored code wins.
	in := "ref 111111 ... your code: 222333"
	assert.Equal(t, "222333", ExtractVerificationCode(in))
}
