// Package webhook receives push notifications from the payment gateway.
package webhook

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/alipayeth/backend/internal/httpjson"
	"github.com/alipayeth/backend/internal/settlement"
)

const maxBodyBytes = 64 << 10

//go:embed chapa_event.schema.json
var eventSchema string

type Settler interface {
	Settle(ctx context.Context, reference string, trig settlement.Trigger) (settlement.Outcome, error)
}

type SignatureVerifier interface {
	VerifySignature(payload []byte, signature string) bool
}

type event struct {
	TxRef  string `json:"tx_ref"`
	Event  string `json:"event"`
	Status string `json:"status"`
}

type Handler struct {
	settler  Settler
	verifier SignatureVerifier
	schema   *jsonschema.Schema
	timeout  time.Duration
	log      *slog.Logger
}

func NewHandler(settler Settler, verifier SignatureVerifier, timeout time.Duration, log *slog.Logger) (*Handler, error) {
	schema, err := jsonschema.CompileString("https://alipayeth.dev/schemas/chapa-event.json", eventSchema)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{settler: settler, verifier: verifier, schema: schema, timeout: timeout, log: log}, nil
}

// ServeHTTP answers 2xx only once the event is handled, so the gateway keeps
// redelivering while verification is unavailable.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		httpjson.Error(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	sig := r.Header.Get("Chapa-Signature")
	if sig == "" {
		sig = r.Header.Get("x-chapa-signature")
	}
	if !h.verifier.VerifySignature(body, sig) {
		h.log.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		httpjson.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.schema.Validate(doc); err != nil {
		httpjson.Write(w, http.StatusBadRequest, map[string]string{"error": "invalid event", "detail": err.Error()})
		return
	}
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid event")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	// The payload is only a hint. Settle re-verifies with the gateway.
	outcome, err := h.settler.Settle(ctx, ev.TxRef, settlement.GatewayTrigger())
	log := h.log.With("reference", ev.TxRef, "event", ev.Event, "outcome", outcome)
	switch {
	case err == nil, errors.Is(err, settlement.ErrNotFound):
		log.Info("webhook handled")
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "handled", "outcome": string(outcome)})
	case errors.Is(err, settlement.ErrDataIntegrity):
		log.Error("webhook settlement needs review", "error", err)
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "handled", "outcome": "needs_review"})
	default:
		log.Warn("webhook settlement deferred", "error", err)
		httpjson.Error(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}
