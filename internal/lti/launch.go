// Package lti verifies LTI 1.1 basic launch requests and extracts the
// identity assertion they carry.
package lti

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lindseylubin/Gen-Ed/internal/provision"
	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/mrjones/oauth"
)

const (
	launchMessageType = "basic-lti-launch-request"
	signatureMethod   = "HMAC-SHA1"

	// DefaultWindow bounds clock skew and nonce retention.
	DefaultWindow = 5 * time.Minute
)

var (
	ErrNotLaunch        = errors.New("not a basic LTI launch request")
	ErrBadSignature     = errors.New("launch signature does not verify")
	ErrStaleTimestamp   = errors.New("launch timestamp outside the allowed window")
	ErrReplayedNonce    = errors.New("launch nonce already used")
	ErrUnsupportedOAuth = errors.New("unsupported oauth parameters")
)

// Consumers looks up the shared secret for a consumer key.
type Consumers interface {
	GetConsumerByKey(ctx context.Context, key string) (*store.Consumer, error)
}

type Verifier struct {
	consumers Consumers
	nonces    NonceStore
	window    time.Duration
	now       func() time.Time
}

func NewVerifier(consumers Consumers, nonces NonceStore, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{consumers: consumers, nonces: nonces, window: window, now: time.Now}
}

// Verify checks a launch POST signed by a consumer and returns its assertion.
// launchURL must be the URL the consumer posted to, as it saw it.
//
// Unknown consumers yield provision.ErrUnknownConsumer. Every other failure
// means the request is not a trustworthy launch.
func (v *Verifier) Verify(ctx context.Context, method, launchURL string, form url.Values) (provision.Assertion, error) {
	if form.Get("lti_message_type") != launchMessageType {
		return provision.Assertion{}, ErrNotLaunch
	}
	if m := form.Get("oauth_signature_method"); m != signatureMethod {
		return provision.Assertion{}, fmt.Errorf("%w: signature method %q", ErrUnsupportedOAuth, m)
	}
	if ver := form.Get("oauth_version"); ver != "" && ver != "1.0" {
		return provision.Assertion{}, fmt.Errorf("%w: version %q", ErrUnsupportedOAuth, ver)
	}
	key := form.Get("oauth_consumer_key")
	nonce := form.Get("oauth_nonce")
	if key == "" || nonce == "" || form.Get("oauth_signature") == "" {
		return provision.Assertion{}, fmt.Errorf("%w: missing consumer key, nonce or signature", ErrUnsupportedOAuth)
	}

	ts, err := strconv.ParseInt(form.Get("oauth_timestamp"), 10, 64)
	if err != nil {
		return provision.Assertion{}, ErrStaleTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > v.window || skew < -v.window {
		return provision.Assertion{}, ErrStaleTimestamp
	}

	consumer, err := v.consumers.GetConsumerByKey(ctx, key)
	if err != nil {
		return provision.Assertion{}, fmt.Errorf("lookup consumer: %w", err)
	}
	if consumer == nil {
		return provision.Assertion{}, fmt.Errorf("%w: %q", provision.ErrUnknownConsumer, key)
	}

	if err := verifySignature(ctx, method, launchURL, form, consumer); err != nil {
		return provision.Assertion{}, err
	}

	// only signed launches may burn a nonce
	fresh, err := v.nonces.Claim(ctx, key+":"+nonce, 2*v.window)
	if err != nil {
		return provision.Assertion{}, err
	}
	if !fresh {
		return provision.Assertion{}, ErrReplayedNonce
	}

	return provision.Assertion{
		ConsumerKey:  key,
		ContextID:    form.Get("context_id"),
		ContextLabel: form.Get("context_label"),
		UserID:       form.Get("user_id"),
		FullName:     form.Get("lis_person_name_full"),
		Email:        form.Get("lis_person_contact_email_primary"),
		RoleClaim:    form.Get("roles"),
	}, nil
}

// verifySignature checks oauth_signature with the two-legged OAuth provider.
// The provider joins each parameter as key=value without encoding either
// side, so both go in pre-encoded to reproduce the RFC 5849 base string.
// Timestamps and nonces are checked by Verify.
func verifySignature(ctx context.Context, method, launchURL string, form url.Values, consumer *store.Consumer) error {
	base, query, err := baseURL(launchURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	params := url.Values{}
	for _, vals := range []url.Values{form, query} {
		for k, vs := range vals {
			ek := percentEncode(k)
			if len(vs) != 1 || params.Has(ek) {
				return fmt.Errorf("%w: repeated parameter %q", ErrUnsupportedOAuth, k)
			}
			if k == "oauth_signature" {
				params.Set(k, vs[0])
				continue
			}
			params.Set(ek, percentEncode(vs[0]))
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), base, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	provider := oauth.NewProvider(func(string, map[string]string) (*oauth.Consumer, error) {
		return oauth.NewConsumer(consumer.Key, consumer.Secret, oauth.ServiceProvider{IgnoreTimestamp: true}), nil
	})
	if _, err := provider.IsAuthorized(req); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
