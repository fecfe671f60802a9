package escrow

import (
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/kawsbot/a2a-pay/ledger"
)

// Error kinds. Every failure returned by this package matches exactly one of
// them under errors.Is, and carries a go-errors envelope with the text code
// below.
var (
	ErrServiceDescriptorTooLong = errors.New("escrow: service descriptor too long")
	ErrInvalidAmount            = errors.New("escrow: invalid amount")
	ErrRecordAlreadyExists      = errors.New("escrow: record already exists")
	ErrRecordNotFound           = errors.New("escrow: record not found")
	ErrUnauthorized             = errors.New("escrow: unauthorized")
	ErrInvalidStatus            = errors.New("escrow: invalid status")
	ErrInsufficientFunds        = errors.New("escrow: insufficient funds")
	ErrBalanceOverflow          = errors.New("escrow: balance overflow")
	ErrCorruptRecord            = errors.New("escrow: corrupt record")
)

const (
	TextServiceDescriptorTooLong = "SERVICE_DESCRIPTOR_TOO_LONG"
	TextInvalidAmount            = "INVALID_AMOUNT"
	TextRecordAlreadyExists      = "RECORD_ALREADY_EXISTS"
	TextRecordNotFound           = "RECORD_NOT_FOUND"
	TextUnauthorized             = "UNAUTHORIZED"
	TextInvalidStatus            = "INVALID_STATUS"
	TextInsufficientFunds        = "INSUFFICIENT_FUNDS"
	TextBalanceOverflow          = "BALANCE_OVERFLOW"
	TextCorruptRecord            = "CORRUPT_RECORD"
	TextInternal                 = "INTERNAL_ERROR"
)

type kind struct {
	category goerrors.Category
	code     int
	text     string
}

var kinds = map[error]kind{
	ErrServiceDescriptorTooLong: {goerrors.CategoryBadInput, http.StatusBadRequest, TextServiceDescriptorTooLong},
	ErrInvalidAmount:            {goerrors.CategoryBadInput, http.StatusBadRequest, TextInvalidAmount},
	ErrRecordAlreadyExists:      {goerrors.CategoryConflict, http.StatusConflict, TextRecordAlreadyExists},
	ErrRecordNotFound:           {goerrors.CategoryNotFound, http.StatusNotFound, TextRecordNotFound},
	ErrUnauthorized:             {goerrors.CategoryAuthz, http.StatusForbidden, TextUnauthorized},
	ErrInvalidStatus:            {goerrors.CategoryConflict, http.StatusConflict, TextInvalidStatus},
	ErrInsufficientFunds:        {goerrors.CategoryOperation, http.StatusPaymentRequired, TextInsufficientFunds},
	ErrBalanceOverflow:          {goerrors.CategoryOperation, http.StatusUnprocessableEntity, TextBalanceOverflow},
	ErrCorruptRecord:            {goerrors.CategoryInternal, http.StatusInternalServerError, TextCorruptRecord},
}

// fail wraps a kind sentinel in its go-errors envelope.
func fail(sentinel error, format string, args ...any) error {
	k, ok := kinds[sentinel]
	if !ok {
		k = kind{goerrors.CategoryInternal, http.StatusInternalServerError, TextInternal}
	}
	return goerrors.Wrap(sentinel, k.category, fmt.Sprintf(format, args...)).
		WithCode(k.code).
		WithTextCode(k.text)
}

// fromLedger translates substrate failures into error kinds. Anything
// unrecognised is an internal failure and keeps its cause.
func fromLedger(err error, op string) error {
	var rich *goerrors.Error
	switch {
	case err == nil:
		return nil
	case goerrors.As(err, &rich):
		return err
	case errors.Is(err, ledger.ErrRecordExists):
		return fail(ErrRecordAlreadyExists, "%s: address already holds a custody record", op)
	case errors.Is(err, ledger.ErrRecordNotFound):
		return fail(ErrRecordNotFound, "%s: no custody record at address", op)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fail(ErrInsufficientFunds, "%s: balance cannot cover amount", op)
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return fail(ErrBalanceOverflow, "%s: receiving balance cannot hold amount", op)
	default:
		return goerrors.Wrap(err, goerrors.CategoryInternal, op+": ledger failure").
			WithCode(http.StatusInternalServerError).
			WithTextCode(TextInternal)
	}
}

// TextCode reports the text code carried by err, or TextInternal.
func TextCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode != "" {
		return rich.TextCode
	}
	return TextInternal
}
