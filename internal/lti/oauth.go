package lti

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// percentEncode applies the OAuth 1.0 (RFC 5849 3.6) encoding: everything but
// ALPHA, DIGIT and "-._~" is escaped with uppercase hex.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// baseURL normalizes a launch URL for signing: lowercase scheme and host,
// default ports dropped, no query or fragment.
func baseURL(raw string) (string, url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) || (scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndexByte(host, ':')]
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, u.Query(), nil
}

// signatureBase builds the OAuth signature base string from the request
// method, launch URL and every parameter except oauth_signature.
func signatureBase(method, launchURL string, params url.Values) (string, error) {
	base, query, err := baseURL(launchURL)
	if err != nil {
		return "", err
	}
	type pair struct{ k, v string }
	var pairs []pair
	add := func(vals url.Values) {
		for k, vs := range vals {
			if k == "oauth_signature" {
				continue
			}
			for _, v := range vs {
				pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
			}
		}
	}
	add(params)
	add(query)
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.ToUpper(method) + "&" + percentEncode(base) + "&" + percentEncode(strings.Join(parts, "&")), nil
}

// sign computes the HMAC-SHA1 signature for a two-legged launch (empty token
// secret).
func sign(method, launchURL string, params url.Values, consumerSecret string) (string, error) {
	base, err := signatureBase(method, launchURL, params)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha1.New, []byte(percentEncode(consumerSecret)+"&"))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignLaunch sets oauth_signature on form the way a consumer would.
func SignLaunch(method, launchURL string, form url.Values, consumerSecret string) error {
	sig, err := sign(method, launchURL, form, consumerSecret)
	if err != nil {
		return err
	}
	form.Set("oauth_signature", sig)
	return nil
}
