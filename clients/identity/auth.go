package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"agora/httpapi"
)

// RequireSigner verifies token through v and returns the signer's agent id
// and the decoded payload without constraining the action. Bearer-token GET
// endpoints use it directly. Errors are ready-to-write *httpapi.APIError
// values: a missing token is 400 INVALID_JWS, identityd's own client errors
// (malformed token, unknown kid) are forwarded verbatim, an invalid
// signature is 403 FORBIDDEN, and an identity outage is 502.
func RequireSigner(ctx context.Context, v Verifier, token string) (string, map[string]any, error) {
	if strings.TrimSpace(token) == "" {
		return "", nil, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidJWS, "signed token required")
	}
	result, err := v.VerifyJWS(ctx, token)
	if err != nil {
		var apiErr *httpapi.APIError
		if errors.As(err, &apiErr) {
			return "", nil, apiErr
		}
		return "", nil, httpapi.Errorf(http.StatusBadGateway, httpapi.CodeIdentityUnavailable, "identity service unavailable")
	}
	if !result.Valid {
		return "", nil, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "signature verification failed: %s", result.Reason)
	}
	return result.AgentID, result.Payload, nil
}

// RequireAction verifies token through v and additionally checks that the
// payload authorizes the named action.
func RequireAction(ctx context.Context, v Verifier, token, action string) (string, map[string]any, error) {
	agentID, payload, err := RequireSigner(ctx, v, token)
	if err != nil {
		return "", nil, err
	}
	got, _ := payload["action"].(string)
	if got != action {
		return "", nil, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "token action %q does not authorize %s", got, action)
	}
	return agentID, payload, nil
}
