package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/kawsbot/a2a-pay/escrow"
)

const (
	codeBadJSON         = "BAD_JSON"
	codeBadRequest      = "BAD_REQUEST"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeFaucetDisabled  = "FAUCET_DISABLED"

	maxBodyBytes = 64 << 10
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	callerKey
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return NewRequestID()
}

// ErrorBody is the error envelope every failing route returns.
type ErrorBody struct {
	RequestID string      `json:"request_id"`
	Error     ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("request body must hold a single JSON object")
	}
	return nil
}

func writeFailure(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorBody{
		RequestID: requestID(r.Context()),
		Error:     ErrorDetail{Code: code, Message: message},
	})
}

// writeError renders err using its go-errors envelope. Internal failures are
// reported without their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := http.StatusInternalServerError, ErrorDetail{
		Code:     escrow.TextInternal,
		Message:  "internal error",
		Category: string(goerrors.CategoryInternal),
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Category != goerrors.CategoryInternal {
		if rich.Code != 0 {
			status = rich.Code
		}
		detail = ErrorDetail{
			Code:     rich.TextCode,
			Message:  rich.Message,
			Category: string(rich.Category),
		}
	}
	writeJSON(w, status, ErrorBody{RequestID: requestID(r.Context()), Error: detail})
}
