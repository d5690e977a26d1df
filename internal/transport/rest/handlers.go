package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finfolio/api-gateway/internal/contracts/event"
	"github.com/finfolio/api-gateway/internal/correlation"
	"github.com/finfolio/api-gateway/internal/transport/rest/response"
)

// DefaultRequestTimeout bounds how long a proxied request may wait for
// its worker response.
const DefaultRequestTimeout = 30 * time.Second

// Publisher sends one request envelope to the bus under a correlation id.
type Publisher interface {
	NewCorrelationID() string
	Publish(ctx context.Context, id string, req *event.HTTPRequest) error
}

// ResponseBroker is the slice of the correlation broker the handler
// needs: register a waiter, give it up.
type ResponseBroker interface {
	Subscribe(id string) <-chan correlation.Event
	Unsubscribe(id string)
}

type Handler struct {
	publisher Publisher
	broker    ResponseBroker
	timeout   time.Duration
	log       zerolog.Logger
}

func NewHandler(publisher Publisher, broker ResponseBroker, timeout time.Duration, log zerolog.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Handler{
		publisher: publisher,
		broker:    broker,
		timeout:   timeout,
		log:       log.With().Str("component", "rest_handler").Logger(),
	}
}

// HealthCheck answers locally; nothing goes over the bus.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, response.Success())
}

func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	response.Error(w, http.StatusNotFound,
		"404", "Not found", "The requested resource could not be found.")
}

func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	response.Error(w, http.StatusMethodNotAllowed,
		"405", "Method not allowed", "The requested resource does not support this method.")
}

// Proxy bridges one HTTP request onto the bus: envelope out under a fresh
// correlation id, then wait for the matching response or the deadline.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge,
				"413", "Payload too large",
				fmt.Sprintf("Request body must not exceed %d bytes.", tooLarge.Limit))
			return
		}
		response.Error(w, http.StatusBadRequest,
			"400", "Bad request", "The request body could not be read.")
		return
	}

	id := h.publisher.NewCorrelationID()
	env := buildEnvelope(r, body)

	// Register the waiter before publishing, or a fast worker could
	// answer into the void.
	rx := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(id)

	if err := h.publisher.Publish(r.Context(), id, env); err != nil {
		h.log.Error().Err(err).
			Str("correlation_id", id).
			Str("route", env.Type).
			Msg("publish failed")
		response.Error(w, http.StatusInternalServerError,
			"500", "Internal server error", "Failed to publish request.")
		h.completed(id, env, http.StatusInternalServerError, start)
		return
	}

	h.await(w, rx, id, env, start)
}

// await races the delivery slot against the per-request deadline, writes
// whichever outcome comes first and leaves the per-request record tying
// the HTTP status back to the correlation id.
func (h *Handler) await(w http.ResponseWriter, rx <-chan correlation.Event, id string, env *event.HTTPRequest, start time.Time) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case e, ok := <-rx:
		if !ok {
			// Slot closed without a delivery: the broker is shutting down.
			response.Error(w, http.StatusRequestTimeout,
				"408", "Request timeout", "The request could not be completed in time.")
			h.completed(id, env, http.StatusRequestTimeout, start)
			return
		}
		code, err := strconv.Atoi(e.Code)
		if err != nil || code < 100 || code > 599 {
			h.log.Warn().
				Str("correlation_id", id).
				Str("code", e.Code).
				Msg("unusable status code in response")
			response.Error(w, http.StatusInternalServerError,
				"500", "Internal server error", "Received an invalid response status.")
			h.completed(id, env, http.StatusInternalServerError, start)
			return
		}
		response.Raw(w, code, e.Payload)
		h.completed(id, env, code, start)

	case <-timer.C:
		h.log.Warn().
			Str("correlation_id", id).
			Dur("timeout", h.timeout).
			Msg("no response before deadline")
		response.Error(w, http.StatusRequestTimeout,
			"408", "Request timeout", "The request could not be completed in time.")
		h.completed(id, env, http.StatusRequestTimeout, start)
	}
}

func (h *Handler) completed(id string, env *event.HTTPRequest, status int, start time.Time) {
	h.log.Info().
		Str("correlation_id", id).
		Str("method", env.Method).
		Str("route", env.Type).
		Int("status", status).
		Int64("elapsed_ms", time.Since(start).Milliseconds()).
		Msg("request completed")
}

// buildEnvelope captures everything workers need to reconstruct the
// request. The type field carries the matched route template in colon
// form; workers key their dispatch on it.
func buildEnvelope(r *http.Request, body []byte) *event.HTTPRequest {
	query := r.URL.Query()
	args := make(map[string][]byte, len(query))
	for key := range query {
		args[key] = []byte(query.Get(key))
	}

	// Origin-form targets carry no scheme; workers get empty bytes then.
	scheme := r.URL.Scheme
	if r.TLS != nil {
		scheme = "https"
	}

	return &event.HTTPRequest{
		Type:        routeTemplate(r),
		AccessToken: bearerToken(r.Header.Get("Authorization")),
		Method:      strings.ToUpper(r.Method),
		UserValues:  routeParams(r),
		URI: event.URI{
			PathOriginal: []byte(r.RequestURI),
			Scheme:       []byte(scheme),
			Path:         []byte(r.URL.Path),
			QueryString:  []byte(r.URL.RawQuery),
			Host:         []byte(r.Host),
			Hash:         []byte{},
			Args:         args,
		},
		Body:     body,
		ClientIP: ExtractClientIP(r),
	}
}

// routeTemplate is the matched chi pattern in colon form, e.g.
// /api/v1/users/:uid.
func routeTemplate(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return colonizeParams(pattern)
		}
	}
	return r.URL.Path
}

func colonizeParams(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "{", ":")
	return strings.ReplaceAll(pattern, "}", "")
}

func routeParams(r *http.Request) map[string]string {
	values := map[string]string{}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return values
	}
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		values[key] = rctx.URLParams.Values[i]
	}
	return values
}

// bearerToken returns the credential from a Bearer authorization header,
// or "" for any other scheme. The gateway never validates it; workers do.
func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
