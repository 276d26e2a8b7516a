package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"
)

var nonceMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"already known",
}

// ClassifyExternalError maps a raw chain or provider failure into the
// external error taxonomy.
func ClassifyExternalError(err error) *apperror.AppError {
	if err == nil {
		return nil
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.ErrNetworkTimeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperror.ErrNetworkTimeout(err)
	}
	if errors.Is(err, ports.ErrUnavailable) {
		return apperror.ErrExternalUnavailable(err)
	}
	if errors.Is(err, ports.ErrProviderRejected) {
		return apperror.ErrProviderRejected(err)
	}
	if errors.Is(err, ports.ErrUnsupportedToken) {
		return apperror.Wrap(apperror.CodeInvalidToken, "token is not supported by the chain client", http.StatusBadRequest, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return apperror.ErrInsufficientFunds(err)
	case containsAny(msg, nonceMarkers):
		return apperror.ErrNonceConflict(err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return apperror.ErrNetworkTimeout(err)
	}
	return apperror.ErrExternalCallFailed(err)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
