// Copyright 2025 PuddleJumper
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"puddlejumper/platform/authz"
)

// CSRFHeader is the anti-CSRF marker required on every mutation.
const CSRFHeader = "X-PuddleJumper-Request"

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const ctxKeyPrincipal contextKey = "principal"

// Principal is the authenticated caller extracted from the bearer token.
type Principal struct {
	OperatorID     string
	Role           string
	Permissions    []string
	TenantID       string
	WorkspaceID    string
	MunicipalityID string
	Delegations    []authz.Delegation
}

// IsAdmin reports whether the principal bypasses tenant scoping.
func (p *Principal) IsAdmin() bool {
	return p.Role == "admin"
}

// principalFrom returns the authenticated principal attached by the
// middleware, or nil on unauthenticated paths.
func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p
}

// parseBearer verifies the token signature and extracts the principal. Any
// parse or validation failure is an authentication failure; no claims from an
// invalid token are trusted.
func (s *Server) parseBearer(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	operatorID := getClaimString(claims, "operator_id")
	if operatorID == "" {
		operatorID = getClaimString(claims, "sub")
	}
	if operatorID == "" {
		return nil, fmt.Errorf("token missing operator identity")
	}

	tenantID := getClaimString(claims, "tenant_id")
	if tenantID == "" {
		tenantID = "tenant_1"
	}

	return &Principal{
		OperatorID:     operatorID,
		Role:           getClaimString(claims, "role"),
		Permissions:    getClaimStringArray(claims, "permissions"),
		TenantID:       tenantID,
		WorkspaceID:    getClaimString(claims, "workspace_id"),
		MunicipalityID: getClaimString(claims, "municipality_id"),
		Delegations:    getClaimDelegations(claims, "delegations"),
	}, nil
}

// requireAuth wraps a handler with bearer authentication and, on mutations,
// the anti-CSRF marker check.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}

		principal, err := s.parseBearer(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
			return
		}

		if isMutation(r.Method) && r.Header.Get(CSRFHeader) != "true" {
			writeError(w, http.StatusForbidden, "forbidden", "missing "+CSRFHeader+" header")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin layers an admin role check on top of requireAuth.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if principal == nil || !principal.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next(w, r)
	})
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func getClaimStringArray(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// getClaimDelegations decodes the delegation list through JSON so the claim
// shape matches the authz wire format exactly. Malformed entries drop out.
func getClaimDelegations(claims jwt.MapClaims, key string) []authz.Delegation {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var delegations []authz.Delegation
	if err := json.Unmarshal(data, &delegations); err != nil {
		return nil
	}
	return delegations
}
