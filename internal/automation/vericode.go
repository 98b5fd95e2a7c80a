package automation

import "regexp"

var (
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
	htmlEntityRe  = regexp.MustCompile(`(?i)&[a-z]+;`)
	contextRe     = regexp.MustCompile(`(?i)(?:验证码|code|verification|passcode|pin).*?[:：]\s*([A-Za-z0-9]{4,8})\b`)
	cssUnitRe     = regexp.MustCompile(`(?i)^\d+(?:px|pt|em|rem|vh|vw|%)$`)
	mixedSixRe    = regexp.MustCompile(`\b[A-Z0-9]{6}\b`)
	hasLetterRe   = regexp.MustCompile(`[A-Z]`)
	hasDigitRe    = regexp.MustCompile(`[0-9]`)
	sixDigitsRe   = regexp.MustCompile(`\b\d{6}\b`)
)

// ExtractVerificationCode pulls a sign-in verification code out of an email
// body. It tries, in order: a code preceded by a context keyword, a
// standalone 6-character letter+digit mix, then a bare 6-digit code. HTML
// markup is stripped first so tag attributes never masquerade as codes.
func ExtractVerificationCode(text string) string {
	if text == "" {
		return ""
	}

	cleaned := htmlTagRe.ReplaceAllString(text, " ")
	cleaned = htmlEntityRe.ReplaceAllString(cleaned, " ")

	if m := contextRe.FindStringSubmatch(cleaned); m != nil {
		// CSS values like "16px" sit right after a colon in style blocks.
		if !cssUnitRe.MatchString(m[1]) {
			return m[1]
		}
	}

	if m := mixedSixRe.FindString(cleaned); m != "" {
		if hasLetterRe.MatchString(m) && hasDigitRe.MatchString(m) {
			return m
		}
	}

	if m := sixDigitsRe.FindString(cleaned); m != "" {
		return m
	}

	return ""
}
