package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mewlab/mew-go/pkg/protocol"
)

// injectRateKey buckets inject requests per space and participant.
func injectRateKey(r *http.Request) string {
	return r.URL.Query().Get("space") + ":" + mux.Vars(r)["participant_id"]
}

// handleInject accepts one envelope over HTTP on behalf of a
// participant, running the same validation, stamping, capability, and
// routing pipeline as the WebSocket path. The sender does not need a
// live connection and is never a receiver of its own envelope.
func (g *Gateway) handleInject(w http.ResponseWriter, r *http.Request) {
	sp, ok := g.spaceFor(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown space"})
		return
	}

	participantID := mux.Vars(r)["participant_id"]
	token := bearerToken(r)
	pc := sp.cfg.Authenticate(token)
	if pc == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	if pc.ID != participantID {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   string(protocol.ErrorIdentitySpoof),
			"message": "token does not belong to " + participantID,
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMsgSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   string(protocol.ErrorInvalidEnvelope),
			"message": "unreadable body: " + err.Error(),
		})
		return
	}

	res, aerr := sp.Inject(participantID, body)
	if aerr != nil {
		writeJSON(w, injectStatus(aerr.code), map[string]string{
			"error":   string(aerr.code),
			"message": aerr.message,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// injectStatus maps accept pipeline codes onto HTTP statuses.
func injectStatus(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrorIdentitySpoof, protocol.ErrorCapabilityViolation:
		return http.StatusForbidden
	case protocol.ErrorUnknownRecipient, protocol.ErrorStreamNotFound:
		return http.StatusNotFound
	case protocol.ErrorBackpressure:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// handleHistory serves the recent envelope mirror for a space in
// chronological order. Any participant token for the space may read it.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["space"]
	sp, ok := g.spaces[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown space"})
		return
	}
	if sp.cfg.Authenticate(bearerToken(r)) == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	limit := g.cfg.History.Depth
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if n < limit {
			limit = n
		}
	}

	rows := g.history.Recent(name, limit)
	out := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	writeJSON(w, http.StatusOK, out)
}
