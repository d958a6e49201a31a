package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agustin125/securitize-smart-contracts/native/bank"
	"github.com/agustin125/securitize-smart-contracts/native/market"
)

const requestBodyLimit = 64 << 10

var statusByOutcome = map[string]int{
	"not_found":              http.StatusNotFound,
	"already_consumed":       http.StatusConflict,
	"nonce_mismatch":         http.StatusConflict,
	"insufficient_payment":   http.StatusPaymentRequired,
	"insufficient_allowance": http.StatusUnprocessableEntity,
	"insufficient_balance":   http.StatusUnprocessableEntity,
	"overflow":               http.StatusUnprocessableEntity,
	"bad_signature":          http.StatusUnauthorized,
	"unauthorized":           http.StatusUnauthorized,
	"invalid_amount":         http.StatusBadRequest,
	"invalid_asset":          http.StatusBadRequest,
	"release_failed":         http.StatusServiceUnavailable,
	"insolvent":              http.StatusInternalServerError,
}

// errorCode maps a domain failure onto a stable code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case market.IsRetryable(err):
		return market.OutcomeLabel(err), http.StatusServiceUnavailable
	case errors.Is(err, bank.ErrCustodyAccount):
		return "custody_account", http.StatusForbidden
	case errors.Is(err, bank.ErrInsufficientFunds):
		return "insufficient_funds", http.StatusPaymentRequired
	}
	code := market.OutcomeLabel(err)
	if status, ok := statusByOutcome[code]; ok {
		return code, status
	}
	return code, http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeDomainError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	writeJSONError(w, status, code, err)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, "bad_request", err)
}

func writeJSONError(w http.ResponseWriter, status int, code string, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message, "code": code})
	if marshalErr != nil {
		payload = []byte(`{"error":"internal error","code":"internal"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
