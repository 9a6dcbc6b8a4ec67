package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sort"
)

const signatureHeader = "X-Twilio-Signature"

// ValidSignature checks the X-Twilio-Signature header of a form-encoded
// webhook request. The signed payload is the full request URL followed by
// every POST parameter name+value in lexicographic order, HMAC-SHA1 with the
// account auth token, base64-encoded.
//
// r.ParseForm must have been called. An empty authToken skips validation.
func ValidSignature(r *http.Request, requestURL, authToken string) bool {
	if authToken == "" {
		return true
	}

	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := requestURL
	for _, k := range keys {
		payload += k + r.PostForm.Get(k)
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got := r.Header.Get(signatureHeader)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
