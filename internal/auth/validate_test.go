package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePasswordAccepted(t *testing.T) {
	for _, pw := range []string{
		"TestPassword123!",
		"S0mething-Else",
		"Xy9!Xy8!Xy7!",
	} {
		assert.Empty(t, ValidatePassword(pw), "password %q should pass", pw)
	}
}

func TestValidatePasswordRejected(t *testing.T) {
	cases := map[string]string{
		"weak":           "too short, no upper/digit/special",
		"alllowercase1!": "no uppercase",
		"ALLUPPERCASE1!": "no lowercase",
		"NoDigits!!":     "no digit",
		"NoSpecial123x":  "no special", // would pass otherwise
		"Aaa1!bbbZ":      "identical run of 3",
	}
	for pw, why := range cases {
		assert.NotEmpty(t, ValidatePassword(pw), "password %q should fail (%s)", pw, why)
	}

	long := strings.Repeat("Ab1!", 40) // 160 chars
	assert.NotEmpty(t, ValidatePassword(long))
}

func TestValidateUsername(t *testing.T) {
	assert.Nil(t, ValidateUsername("testuser"))
	assert.Nil(t, ValidateUsername("user_name-01"))

	assert.NotNil(t, ValidateUsername("ab"))                       // too short
	assert.NotNil(t, ValidateUsername(strings.Repeat("a", 51)))   // too long
	assert.NotNil(t, ValidateUsername("bad name"))                // space
	assert.NotNil(t, ValidateUsername("bad@name"))                // symbol
}

func TestValidateEmail(t *testing.T) {
	assert.Nil(t, ValidateEmail("test@example.com"))

	assert.NotNil(t, ValidateEmail(""))
	assert.NotNil(t, ValidateEmail("not-an-email"))
	assert.NotNil(t, ValidateEmail(strings.Repeat("a", 250)+"@example.com"))
}
