package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := E(KindAccountNotFound, "account %s not found", "acc-1")
	wrapped := fmt.Errorf("failed to load parent: %w", err)

	assert.True(t, errors.Is(wrapped, ErrAccountNotFound))
	assert.False(t, errors.Is(wrapped, ErrFundNotFound))
	assert.Equal(t, KindAccountNotFound, KindOf(wrapped))
	assert.Contains(t, err.Error(), "acc-1")
}

func TestInternalPreservesCause(t *testing.T) {
	err := Internal(ErrConflict, "failed to save allocation")

	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestKindOfForeignAndNil(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindSelfTransfer))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindSegregationNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(KindInsufficientFunds))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindInvalidTransition))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindExchangeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}
