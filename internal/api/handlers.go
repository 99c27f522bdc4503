// Package api exposes the core's observable surface over HTTP: session
// lifecycle, status, a server-sent-events stream of pipeline events, and
// retrieval verification. Routing is grounded on the teacher's
// internal/api/handlers.go (gorilla/mux, one handler method per route,
// logrus error logging).
package api

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/session"
	"github.com/witnessprotocol/core/internal/verify"
)

// SignerProvider resolves a creator identity to the Ed25519 key it
// signs anchor log entries with. The handlers never store keys
// themselves; the provider may be backed by crypto.SignerStore's
// passphrase-encrypted key files or by any other key custody.
type SignerProvider func(creator string) (ed25519.PrivateKey, bool)

// Handler serves the REST status/control surface over a session.Manager
// and verify.Verifier.
type Handler struct {
	manager *session.Manager
	verifier *verify.Verifier
	signers SignerProvider
	logger  *logrus.Logger
}

// NewHandler constructs a Handler.
func NewHandler(manager *session.Manager, verifier *verify.Verifier, signers SignerProvider, logger *logrus.Logger) *Handler {
	return &Handler{manager: manager, verifier: verifier, signers: signers, logger: logger}
}

// RegisterRoutes registers every route this Handler serves onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", h.handleStartSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/chunks", h.handleProcessChunk).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/end", h.handleEndSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/interrupt", h.handleInterrupt).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/events", h.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/verify", h.handleVerify).Methods(http.MethodGet)
}

type startSessionRequest struct {
	Creator  string   `json:"creator"`
	GroupSet []string `json:"groupSet"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Creator == "" || len(req.GroupSet) == 0 {
		http.Error(w, "creator and groupSet are required", http.StatusBadRequest)
		return
	}
	signer, ok := h.signers(req.Creator)
	if !ok {
		http.Error(w, fmt.Sprintf("no signing key registered for creator %q", req.Creator), http.StatusUnauthorized)
		return
	}

	status, err := h.manager.StartSession(r.Context(), req.Creator, req.GroupSet, signer)
	if err != nil {
		h.writeError(w, r, "StartSession", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, status)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	status, err := h.manager.Status(sessionID)
	if err != nil {
		h.writeError(w, r, "Status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleProcessChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	capturedAt := time.Now().UnixMilli()
	if raw := r.URL.Query().Get("capturedAtMillis"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid capturedAtMillis", http.StatusBadRequest)
			return
		}
		capturedAt = parsed
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read chunk body", http.StatusBadRequest)
		return
	}

	rec, err := h.manager.ProcessChunk(r.Context(), sessionID, body, capturedAt)
	if err != nil {
		h.writeError(w, r, "ProcessChunk", err)
		return
	}
	if rec == nil {
		// Empty blob: dropped silently, no index consumed.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusAccepted, rec)
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	status, err := h.manager.EndSession(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, "EndSession", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	status, err := h.manager.MarkInterrupted(sessionID)
	if err != nil {
		h.writeError(w, r, "MarkInterrupted", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// handleEvents streams the session's event subscription as
// server-sent-events, one JSON-encoded session.Event per line.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.manager.Subscribe(sessionID)
	defer h.manager.Unsubscribe(sub.ID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub.Channel:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.WithError(err).Error("failed to marshal event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	manifestLocator := r.URL.Query().Get("manifestLocator")
	groupID := r.URL.Query().Get("group")
	if manifestLocator == "" || groupID == "" {
		http.Error(w, "manifestLocator and group query parameters are required", http.StatusBadRequest)
		return
	}
	checkPlaintext := r.URL.Query().Get("checkPlaintextHashes") == "true"

	result, err := h.verifier.Verify(r.Context(), manifestLocator, groupID, checkPlaintext)
	if err != nil {
		h.writeError(w, r, "Verify", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("failed to encode response")
	}
}

// writeError maps the core's error taxonomy (werrors.Kind) onto HTTP
// status codes and logs the failure with its operation name.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := werrors.KindOf(err)
	h.logger.WithFields(logrus.Fields{
		"operation": op,
		"path":      r.URL.Path,
		"kind":      string(kind),
	}).WithError(err).Error("request failed")

	status := http.StatusInternalServerError
	switch kind {
	case werrors.KindInvalidArgument:
		status = http.StatusBadRequest
	case werrors.KindQuotaExhausted:
		status = http.StatusServiceUnavailable
	case werrors.KindNoAccess:
		status = http.StatusForbidden
	case werrors.KindIntegrityViolation:
		status = http.StatusUnprocessableEntity
	case werrors.KindObjectStoreFailure, werrors.KindAnchorLogFailure, werrors.KindPermanentFailure:
		status = http.StatusBadGateway
	case werrors.KindCryptoFailure, werrors.KindCorruption:
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}
