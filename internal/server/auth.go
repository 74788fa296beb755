package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const headerAuthorization = "Authorization"

// authorize checks the bearer token on admin endpoints. With no
// verification key configured, auth is disabled; that is the local
// development mode.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.jwtVerificationKey == nil {
		return true
	}

	if err := checkHeaderCountIsOne(r.Header, headerAuthorization); err != nil {
		h.serveClientError(w, r, http.StatusUnauthorized, err)
		return false
	}
	_, err := operatorIDFromAuthorizationHeader(h.jwtVerificationKey, r.Header.Get(headerAuthorization))
	if err != nil {
		h.serveClientError(w, r, http.StatusUnauthorized, fmt.Errorf("invalid %s request header: %w", headerAuthorization, err))
		return false
	}

	return true
}

func checkHeaderCountIsOne(header http.Header, key string) error {
	if got, want := len(header.Values(key)), 1; got != want {
		if got == 0 {
			return fmt.Errorf("missing %s request header", key)
		} else {
			return fmt.Errorf("multiple %s request headers", key)
		}
	}
	return nil
}

// operatorIDFromAuthorizationHeader.
// It doesn't check for missing header or multiple headers.
func operatorIDFromAuthorizationHeader(verificationKey any, header string) (uuid.UUID, error) {
	scheme, params, _ := strings.Cut(header, " ")

	if scheme == "" {
		return uuid.UUID{}, errors.New("no scheme")
	}
	if got, want := scheme, "Bearer"; !strings.EqualFold(got, want) {
		return uuid.UUID{}, fmt.Errorf("got unsupported scheme %q, want %q", got, want)
	}

	jwtToken, err := jwt.ParseWithClaims(
		params,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			return verificationKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return uuid.UUID{}, err
	}
	claims := jwtToken.Claims.(*jwt.RegisteredClaims)

	if claims.Subject == "" {
		return uuid.UUID{}, errors.New("empty sub token claim")
	}
	operatorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("sub token claim: %w", err)
	}

	return operatorID, nil
}
