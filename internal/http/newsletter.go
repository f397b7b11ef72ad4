package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/http/middleware"
	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmehdipour/newsletter-gateway/internal/provider"
	"github.com/jmehdipour/newsletter-gateway/internal/service/events"
	"github.com/jmehdipour/newsletter-gateway/internal/util"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type subscribeReq struct {
	Email string `json:"email"`
}

// subscribeHandler runs after the rate limit check: validate, call the
// provider once, answer with the outcome's envelope.
func subscribeHandler(prov provider.Provider, trail *eventTrail) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req subscribeReq
		if err := c.Bind(&req); err != nil {
			return invalidEmail(c)
		}

		email, err := util.ValidateEmail(req.Email)
		if err != nil {
			return invalidEmail(c)
		}

		out := prov.Subscribe(c.Request().Context(), email)

		trail.record(c.Request().Context(), email, out, middleware.ClientKeyFromCtx(c))

		metrics.RequestsTotal.WithLabelValues(out.Kind.String()).Inc()
		logger.Log.Info("signup handled",
			zap.String("email", util.MaskEmail(email)),
			zap.String("provider", prov.Name()),
			zap.String("outcome", out.Kind.String()),
		)

		if out.OK() {
			return c.JSON(http.StatusOK, model.APIResponse{
				Success: true,
				Message: model.MsgSubscribed,
				Data:    out.Subscription,
			})
		}

		return c.JSON(statusFor(out.Kind), model.APIResponse{
			Success: false,
			Error:   out.Kind.Message(),
		})
	}
}

func invalidEmail(c echo.Context) error {
	metrics.RequestsTotal.WithLabelValues(model.OutcomeInvalidEmail.String()).Inc()
	return c.JSON(http.StatusUnprocessableEntity, model.APIResponse{
		Success: false,
		Error:   model.CodeInvalidEmail,
		Message: model.MsgInvalidEmail,
	})
}

func statusFor(kind model.OutcomeKind) int {
	switch kind {
	case model.OutcomeSuccess:
		return http.StatusOK
	case model.OutcomeAlreadySubscribed:
		return http.StatusConflict
	case model.OutcomeInvalidEmail:
		return http.StatusUnprocessableEntity
	case model.OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// eventTrail records signup events off the request path. Recording is
// best-effort: it outlives the request, is bounded by timeout, and a failure
// is only logged.
type eventTrail struct {
	rec     events.Recorder
	hasher  *util.EmailHasher
	timeout time.Duration
	wg      sync.WaitGroup
}

func newEventTrail(rec events.Recorder, hasher *util.EmailHasher, timeout time.Duration) *eventTrail {
	if rec == nil {
		rec = events.Nop{}
	}
	if hasher == nil {
		hasher = util.NewEmailHasher("")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &eventTrail{rec: rec, hasher: hasher, timeout: timeout}
}

func (t *eventTrail) record(ctx context.Context, email string, out model.Outcome, clientKey string) {
	ev := events.NewEvent(t.hasher, email, out, clientKey, time.Now())
	ctx = context.WithoutCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		if err := t.rec.Record(ctx, ev); err != nil {
			metrics.EventsTotal.WithLabelValues("record_failed").Inc()
			logger.Log.Warn("record subscription event",
				zap.String("event_id", ev.ID),
				zap.String("email", ev.EmailMasked),
				zap.Error(err),
			)
		}
	}()
}

// wait blocks until in-flight recordings finish or ctx ends.
func (t *eventTrail) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formPolicyHandler(p model.FormPolicy) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, model.APIResponse{Success: true, Data: p})
	}
}

func preflightHandler(c echo.Context) error { return c.NoContent(http.StatusOK) }
