package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider subscribes an address with an upstream newsletter service.
// Subscribe never fails with an error: every result, including transport
// problems, is folded into a model.Outcome.
type Provider interface {
	Name() string
	Subscribe(ctx context.Context, email string) model.Outcome
}

const (
	DefaultKitBaseURL = "https://api.kit.com"
	DefaultTag        = "website_newsletter"
	DefaultSource     = "website"

	maxResponseBody = 1 << 20
)

var (
	ErrMissingCredentials = errors.New("kit: api key or form id not configured")
	ErrBadResponse        = errors.New("kit: unreadable subscribe response")
)

type KitConfig struct {
	BaseURL       string
	APIKey        string
	FormID        string
	Tag           string
	Source        string
	Timeout       time.Duration
	RPS           float64 // outbound calls per second across the process, 0 = unthrottled
	Burst         int
	FailThreshold int
	OpenFor       time.Duration
}

// KitProvider talks to Kit's form subscribe API.
type KitProvider struct {
	baseURL string
	apiKey  string
	formID  string
	tag     string
	source  string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	br      *Breaker
	now     func() time.Time
}

func NewKitProvider(cfg KitConfig) *KitProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultKitBaseURL
	}
	if cfg.Tag == "" {
		cfg.Tag = DefaultTag
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}

	p := &KitProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		formID:  strings.TrimSpace(cfg.FormID),
		tag:     cfg.Tag,
		source:  cfg.Source,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		br:      NewBreaker(cfg.FailThreshold, cfg.OpenFor),
		now:     time.Now,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return p
}

var _ Provider = (*KitProvider)(nil)

func (p *KitProvider) Name() string { return "kit" }

type kitSubscribeRequest struct {
	Email  string            `json:"email"`
	Tags   []string          `json:"tags"`
	Fields map[string]string `json:"fields"`
}

type kitRecord struct {
	ID    json.RawMessage `json:"id"`
	State string          `json:"state"`
}

// kitSubscribeResponse accepts the nested {"subscriber":{...}} and
// {"subscription":{...}} shapes and a flat {"subscriptionId"|"id","state"} body.
type kitSubscribeResponse struct {
	Subscriber     *kitRecord      `json:"subscriber"`
	Subscription   *kitRecord      `json:"subscription"`
	SubscriptionID json.RawMessage `json:"subscriptionId"`
	ID             json.RawMessage `json:"id"`
	State          string          `json:"state"`
}

func (p *KitProvider) Subscribe(ctx context.Context, email string) model.Outcome {
	start := p.now()
	out := p.subscribe(ctx, email)
	metrics.UpstreamDuration.WithLabelValues(out.Kind.String()).Observe(time.Since(start).Seconds())
	return out
}

func (p *KitProvider) subscribe(ctx context.Context, email string) model.Outcome {
	if p.apiKey == "" || p.formID == "" {
		logger.Log.Error("subscribe refused", zap.Error(ErrMissingCredentials))
		return model.Failed(model.OutcomeServerError)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			logger.Log.Warn("upstream throttle wait aborted", zap.Error(err))
			return model.Failed(model.OutcomeServerError)
		}
	}

	if !p.br.TryAcquire() {
		logger.Log.Warn("upstream circuit open", zap.String("provider", p.Name()))
		return model.Failed(model.OutcomeServerError)
	}

	status, body, err := p.post(ctx, email)
	if err != nil {
		p.br.OnFailure()
		logger.Log.Warn("upstream subscribe failed", zap.String("provider", p.Name()), zap.Error(err))
		return model.Failed(model.OutcomeServerError)
	}

	kind := ClassifyStatus(status)
	if status >= http.StatusInternalServerError {
		p.br.OnFailure()
	} else {
		p.br.OnSuccess()
	}

	if kind != model.OutcomeSuccess {
		logger.Log.Info("upstream rejected subscribe",
			zap.String("provider", p.Name()),
			zap.Int("status", status),
			zap.String("outcome", kind.String()),
		)
		return model.Failed(kind)
	}

	// The address is subscribed upstream at this point; a body we cannot
	// read only costs us the id and state.
	sub, err := parseSubscription(body)
	if err != nil {
		logger.Log.Warn("upstream subscribe response", zap.String("provider", p.Name()), zap.Int("status", status), zap.Error(err))
		sub = model.Subscription{}
	}
	sub.Email = email

	return model.Succeeded(sub)
}

// post sends the subscribe request. The body is only read for 2xx responses;
// anything else is drained and dropped so it can never reach a caller.
func (p *KitProvider) post(ctx context.Context, email string) (int, []byte, error) {
	b, err := json.Marshal(kitSubscribeRequest{
		Email: email,
		Tags:  []string{p.tag},
		Fields: map[string]string{
			"source":        p.source,
			"subscribed_at": p.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("marshal subscribe request: %w", err)
	}

	endpoint := p.baseURL + "/v4/forms/" + url.PathEscape(p.formID) + "/subscribe"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Kit-Api-Key", p.apiKey)

	res, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxResponseBody))
		return res.StatusCode, nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read subscribe response: %w", err)
	}
	return res.StatusCode, body, nil
}

// ClassifyStatus maps an upstream HTTP status to an outcome. Anything not
// explicitly listed is a server error.
func ClassifyStatus(status int) model.OutcomeKind {
	switch {
	case status >= 200 && status < 300:
		return model.OutcomeSuccess
	case status == http.StatusConflict:
		return model.OutcomeAlreadySubscribed
	case status == http.StatusUnprocessableEntity:
		return model.OutcomeInvalidEmail
	case status == http.StatusTooManyRequests:
		return model.OutcomeRateLimited
	default:
		return model.OutcomeServerError
	}
}

func parseSubscription(body []byte) (model.Subscription, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return model.Subscription{}, fmt.Errorf("%w: empty body", ErrBadResponse)
	}

	var r kitSubscribeResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return model.Subscription{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var sub model.Subscription
	switch {
	case r.Subscriber != nil && validID(r.Subscriber.ID):
		sub.ID, sub.State = r.Subscriber.ID, r.Subscriber.State
	case r.Subscription != nil && validID(r.Subscription.ID):
		sub.ID, sub.State = r.Subscription.ID, r.Subscription.State
	case validID(r.SubscriptionID):
		sub.ID, sub.State = r.SubscriptionID, r.State
	case validID(r.ID):
		sub.ID, sub.State = r.ID, r.State
	default:
		return model.Subscription{}, fmt.Errorf("%w: missing subscription id", ErrBadResponse)
	}

	return sub, nil
}

// validID accepts a JSON number or a non-empty JSON string.
func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		return json.Unmarshal(raw, &s) == nil && s != ""
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	default:
		return false
	}
}
