package auth

import "crypto/subtle"

// ValidCSRF implements the double-submit check for the HTML login
// endpoint: the token echoed in the request header/body must match the
// token carried in the CSRF cookie, compared in constant time.
func ValidCSRF(cookieToken, submittedToken string) bool {
	if cookieToken == "" || submittedToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(submittedToken)) == 1
}
