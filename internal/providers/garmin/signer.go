package garmin

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signer produces OAuth 1.0 HMAC-SHA1 Authorization headers for Garmin's
// legacy API. Nonce and Clock are injectable for tests; production values
// generate a fresh random nonce and timestamp per call.
type Signer struct {
	ConsumerKey    string
	ConsumerSecret string
	Nonce          func() string
	Clock          func() time.Time
}

// NewSigner creates a signer with production nonce and clock sources
func NewSigner(consumerKey, consumerSecret string) *Signer {
	return &Signer{
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		Nonce:          func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		Clock:          time.Now,
	}
}

// AuthorizationHeader signs a request and returns the OAuth Authorization
// header value. queryParams must contain every request parameter outside the
// header (they are part of the signature base string). token and tokenSecret
// are empty for the request-token step.
func (s *Signer) AuthorizationHeader(method, rawURL string, queryParams map[string]string, token, tokenSecret string) string {
	oauthParams := map[string]string{
		"oauth_consumer_key":     s.ConsumerKey,
		"oauth_nonce":            s.Nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.Clock().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if token != "" {
		oauthParams["oauth_token"] = token
	}

	allParams := make(map[string]string, len(oauthParams)+len(queryParams))
	for k, v := range queryParams {
		allParams[k] = v
	}
	for k, v := range oauthParams {
		allParams[k] = v
	}

	base := baseString(method, rawURL, allParams)
	oauthParams["oauth_signature"] = sign(base, signingKey(s.ConsumerSecret, tokenSecret))

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, percentEncode(oauthParams[k])))
	}
	return "OAuth " + strings.Join(pairs, ", ")
}

// baseString builds the OAuth signature base string:
// METHOD&enc(url)&enc(sorted form-encoded params)
func baseString(method, rawURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params[k]))
	}
	paramString := strings.Join(pairs, "&")

	return strings.ToUpper(method) + "&" + percentEncode(rawURL) + "&" + percentEncode(paramString)
}

// signingKey is enc(consumerSecret)&enc(tokenSecret); tokenSecret is empty
// before a token has been issued
func signingKey(consumerSecret, tokenSecret string) string {
	return percentEncode(consumerSecret) + "&" + percentEncode(tokenSecret)
}

// sign computes base64(HMAC-SHA1(key, base))
func sign(base, key string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode implements the strict RFC 3986 encoding OAuth 1.0 requires.
// url.QueryEscape is not usable here: it encodes spaces as '+'.
func percentEncode(s string) string {
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			buf.WriteByte(c)
		default:
			fmt.Fprintf(&buf, "%%%02X", c)
		}
	}
	return buf.String()
}
