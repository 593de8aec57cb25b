package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the broker's metric instruments.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Broker flows
	ClientsRegistered     metric.Int64Counter
	AuthorizationsStarted metric.Int64Counter
	CallbacksProcessed    metric.Int64Counter
	CodesIssued           metric.Int64Counter
	CodesExchanged        metric.Int64Counter
	SessionsIssued        metric.Int64Counter
	APIKeysIssued         metric.Int64Counter
	APIKeysRevoked        metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReplayDetected   metric.Int64Counter
	CSRFRejected         metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	brokerMeter := inst.Meter("broker")
	securityMeter := inst.Meter("security")

	m := &Metrics{}

	instruments := []struct {
		dst   *metric.Int64Counter
		meter metric.Meter
		name  string
		desc  string
		unit  string
	}{
		{&m.HTTPRequestsTotal, httpMeter, "broker.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.ClientsRegistered, brokerMeter, "broker.clients.registered", "Number of clients registered", "{client}"},
		{&m.AuthorizationsStarted, brokerMeter, "broker.authorizations.started", "Number of authorization flows started", "{flow}"},
		{&m.CallbacksProcessed, brokerMeter, "broker.callbacks.processed", "Number of upstream callbacks processed", "{callback}"},
		{&m.CodesIssued, brokerMeter, "broker.codes.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodesExchanged, brokerMeter, "broker.codes.exchanged", "Number of authorization codes exchanged", "{exchange}"},
		{&m.SessionsIssued, brokerMeter, "broker.sessions.issued", "Number of bearer sessions minted", "{session}"},
		{&m.APIKeysIssued, brokerMeter, "broker.apikeys.issued", "Number of static API keys issued", "{key}"},
		{&m.APIKeysRevoked, brokerMeter, "broker.apikeys.revoked", "Number of static API keys revoked", "{key}"},
		{&m.RateLimitExceeded, securityMeter, "broker.rate_limit.exceeded", "Rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "broker.pkce.validation_failed", "PKCE verifier validation failures", "{failure}"},
		{&m.CodeReplayDetected, securityMeter, "broker.code.replay_detected", "Spent or unknown authorization code presentations", "{attempt}"},
		{&m.CSRFRejected, securityMeter, "broker.csrf.rejected", "Consent form CSRF rejections", "{rejection}"},
	}

	for _, in := range instruments {
		counter, err := in.meter.Int64Counter(
			in.name,
			metric.WithDescription(in.desc),
			metric.WithUnit(in.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", in.name, err)
		}
		*in.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"broker.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	return m, nil
}

// Add increments a counter with attributes, tolerating a nil receiver so
// callers without instrumentation stay unconditional.
func Add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
