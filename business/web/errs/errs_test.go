package errs_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ardanlabs/txrelay/business/web/errs"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/stretchr/testify/require"
)

func TestFromCore(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", database.NewValidationError(database.ReasonSpam, "spam"), http.StatusBadRequest},
		{"conflict", &database.ConflictError{Reason: database.ReasonInsufficientGasPrice, RequiredGasPrice: 110}, http.StatusConflict},
		{"busy", fmt.Errorf("admit: %w", database.ErrResourceBusy), http.StatusServiceUnavailable},
		{"not found", database.ErrNotFound, http.StatusNotFound},
		{"persistence", database.NewPersistenceError("replace entry", errors.New("connection reset")), http.StatusInternalServerError},
		{"trusted", errs.NewTrusted(errors.New("locked"), http.StatusForbidden), http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			trusted := errs.GetTrusted(errs.FromCore(tc.err))
			require.NotNil(t, trusted)
			require.Equal(t, tc.status, trusted.Status)
		})
	}

	t.Run("persistence detail hidden", func(t *testing.T) {
		err := errs.FromCore(database.NewPersistenceError("replace entry", errors.New("password=secret")))
		require.NotContains(t, err.Error(), "secret")
	})

	t.Run("unknown", func(t *testing.T) {
		err := errors.New("boom")
		require.Equal(t, err, errs.FromCore(err))
		require.Nil(t, errs.FromCore(nil))
	})
}
