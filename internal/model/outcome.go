package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// OutcomeKind is the closed set of results of a subscribe call.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeAlreadySubscribed OutcomeKind = "already_subscribed"
	OutcomeInvalidEmail      OutcomeKind = "invalid_email"
	OutcomeRateLimited       OutcomeKind = "rate_limited"
	OutcomeServerError       OutcomeKind = "server_error"
)

// Error codes returned by the endpoint for locally detected rejections.
const (
	CodeInvalidEmail      = "INVALID_EMAIL"
	CodeAlreadySubscribed = "ALREADY_SUBSCRIBED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeServerError       = "SERVER_ERROR"
)

// User-facing messages. These are the only strings that ever reach the client.
const (
	MsgSubscribed        = "Successfully subscribed! Check your inbox to confirm your subscription."
	MsgAlreadySubscribed = "This email is already subscribed to our newsletter"
	MsgInvalidEmail      = "Please enter a valid email address"
	MsgRateLimited       = "Too many attempts. Please wait a moment before trying again."
	MsgServerError       = "Something went wrong. Please try again later."
)

func (k OutcomeKind) String() string { return string(k) }

func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSuccess, OutcomeAlreadySubscribed, OutcomeInvalidEmail, OutcomeRateLimited, OutcomeServerError:
		return true
	default:
		return false
	}
}

// ParseOutcomeKind accepts any casing; unknown values report false.
func ParseOutcomeKind(s string) (OutcomeKind, bool) {
	k := OutcomeKind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

// Message is the allow-listed text shown to the user for this outcome.
func (k OutcomeKind) Message() string {
	switch k {
	case OutcomeSuccess:
		return MsgSubscribed
	case OutcomeAlreadySubscribed:
		return MsgAlreadySubscribed
	case OutcomeInvalidEmail:
		return MsgInvalidEmail
	case OutcomeRateLimited:
		return MsgRateLimited
	default:
		return MsgServerError
	}
}

// Code is the machine-readable error code for this outcome.
func (k OutcomeKind) Code() string {
	switch k {
	case OutcomeSuccess:
		return ""
	case OutcomeAlreadySubscribed:
		return CodeAlreadySubscribed
	case OutcomeInvalidEmail:
		return CodeInvalidEmail
	case OutcomeRateLimited:
		return CodeRateLimited
	default:
		return CodeServerError
	}
}

// Subscription is what the provider reports back for a successful call.
// ID keeps the provider's raw JSON literal, so numeric ids stay numbers.
type Subscription struct {
	ID    json.RawMessage `json:"subscriptionId"`
	Email string          `json:"email"`
	State string          `json:"state"`
}

// IDString renders the id without JSON quoting.
func (s Subscription) IDString() string {
	raw := bytes.TrimSpace(s.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

// Outcome is the classified result of one subscribe call.
// Subscription is only set when Kind is OutcomeSuccess.
type Outcome struct {
	Kind         OutcomeKind
	Subscription Subscription
}

func Succeeded(sub Subscription) Outcome {
	return Outcome{Kind: OutcomeSuccess, Subscription: sub}
}

func Failed(kind OutcomeKind) Outcome {
	if kind == OutcomeSuccess || !kind.Valid() {
		kind = OutcomeServerError
	}
	return Outcome{Kind: kind}
}

func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }
