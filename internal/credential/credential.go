// Package credential decides which upstream API key a request may use.
//
// Precedence, first match wins:
//  1. system override: the system key, no checks
//  2. an active class: its key (LTI classes use their consumer's key), or a
//     denial when the class is disabled or has no key; no quota is used
//  3. a local-provider user: the system key
//  4. anyone else: one query token buys one use of the system key
package credential

import (
	"context"
	"fmt"

	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"github.com/lindseylubin/Gen-Ed/internal/completion"
	"github.com/lindseylubin/Gen-Ed/internal/store"
)

// Denial is the closed set of reasons a credential is withheld.
type Denial int

const (
	NotDenied Denial = iota
	ClassDisabled
	NoCredentialConfigured
	QuotaExhausted
)

func (d Denial) String() string {
	switch d {
	case NotDenied:
		return "none"
	case ClassDisabled:
		return "class_disabled"
	case NoCredentialConfigured:
		return "no_credential"
	case QuotaExhausted:
		return "quota_exhausted"
	default:
		return fmt.Sprintf("denial(%d)", int(d))
	}
}

// Message is the user-facing explanation for a denial.
func (d Denial) Message() string {
	switch d {
	case ClassDisabled:
		return "The current class is archived or disabled. Request cannot be submitted."
	case NoCredentialConfigured:
		return "No API key set. Request cannot be submitted."
	case QuotaExhausted:
		return "You have used all of your query tokens. Please contact us if you want to continue using this service."
	default:
		return ""
	}
}

// Source says where a granted key came from.
type Source string

const (
	SourceNone     Source = ""
	SourceOverride Source = "override"
	SourceClass    Source = "class"
	SourceLocal    Source = "local"
	SourceTokens   Source = "tokens"
)

// Decision is the outcome of Resolve. Exactly one of Key or Denial is set.
// Model is the class's selected model, empty when the caller picks.
type Decision struct {
	Key    string
	Source Source
	Denial Denial
	Model  completion.Model
}

// ModelOr returns the decided model, or fallback when none was selected.
func (d Decision) ModelOr(fallback completion.Model) completion.Model {
	if d.Model.Valid() {
		return d.Model
	}
	return fallback
}

func (d Decision) Granted() bool { return d.Denial == NotDenied && d.Key != "" }

// Store is the read side of the identity store the resolver consults.
type Store interface {
	GetClass(ctx context.Context, classID int64) (*store.Class, error)
	GetConsumer(ctx context.Context, consumerID int64) (*store.Consumer, error)
}

// Meter charges a query token.
type Meter interface {
	TryConsume(ctx context.Context, userID int64) (bool, error)
}

type Resolver struct {
	store     Store
	meter     Meter
	systemKey string
}

func NewResolver(s Store, m Meter, systemKey string) *Resolver {
	return &Resolver{store: s, meter: m, systemKey: systemKey}
}

// Resolve applies the precedence policy for one request. Denials are returned
// in the Decision; an error means storage failed and nothing was granted.
func (r *Resolver) Resolve(ctx context.Context, auth authctx.Context, allowSystemOverride bool) (Decision, error) {
	if allowSystemOverride {
		return r.system(SourceOverride), nil
	}

	if auth.InClass() {
		return r.classKey(ctx, auth.ClassID)
	}

	if auth.AuthProvider == store.ProviderLocal {
		return r.system(SourceLocal), nil
	}

	if r.systemKey == "" {
		return Decision{Denial: NoCredentialConfigured}, nil
	}
	// last step before dispatch; don't charge a request that is already gone
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	ok, err := r.meter.TryConsume(ctx, auth.UserID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Denial: QuotaExhausted}, nil
	}
	return r.system(SourceTokens), nil
}

func (r *Resolver) system(src Source) Decision {
	if r.systemKey == "" {
		return Decision{Denial: NoCredentialConfigured}
	}
	return Decision{Key: r.systemKey, Source: src}
}

func (r *Resolver) classKey(ctx context.Context, classID int64) (Decision, error) {
	c, err := r.store.GetClass(ctx, classID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve class %d: %w", classID, err)
	}
	if c == nil {
		return Decision{}, fmt.Errorf("resolve class %d: %w", classID, store.ErrNotFound)
	}
	if !c.Enabled {
		return Decision{Denial: ClassDisabled}, nil
	}

	key := c.OpenAIKey
	if c.Kind == store.ClassLTI {
		consumer, err := r.store.GetConsumer(ctx, c.ConsumerID)
		if err != nil {
			return Decision{}, fmt.Errorf("resolve consumer %d: %w", c.ConsumerID, err)
		}
		key = ""
		if consumer != nil {
			key = consumer.OpenAIKey
		}
	}
	if key == "" {
		return Decision{Denial: NoCredentialConfigured}, nil
	}
	return Decision{Key: key, Source: SourceClass, Model: completion.Model(c.ModelID)}, nil
}
