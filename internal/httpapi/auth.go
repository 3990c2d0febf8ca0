package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"nirnoy/realtime-service/internal/broker"

	"github.com/golang-jwt/jwt/v5"
)

type authContextKey struct{}

// Claims is the token shape issued by the auth service. Role decides which
// of DoctorID and PatientID is meaningful.
type Claims struct {
	Role      string `json:"role"`
	DoctorID  string `json:"doctor_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

var errMissingToken = errors.New("missing token")

// Principal validates the request token and resolves it to a principal.
// Tokens arrive as a bearer header, or as a query parameter for websocket
// upgrades where custom headers are not available.
func (a *Authenticator) Principal(r *http.Request) (broker.Principal, error) {
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		return broker.Principal{}, errMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return broker.Principal{}, err
	}
	if !token.Valid {
		return broker.Principal{}, jwt.ErrTokenUnverifiable
	}

	principal := broker.Principal{
		UserID:    claims.Subject,
		Role:      claims.Role,
		DoctorID:  claims.DoctorID,
		PatientID: claims.PatientID,
	}
	switch principal.Role {
	case broker.RoleDoctor:
		if principal.DoctorID == "" {
			return broker.Principal{}, errors.New("doctor token without doctor_id")
		}
	case broker.RolePatient:
		if principal.PatientID == "" {
			return broker.Principal{}, errors.New("patient token without patient_id")
		}
	default:
		return broker.Principal{}, errors.New("unknown role")
	}
	return principal, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := a.Principal(r)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) (broker.Principal, bool) {
	principal, ok := ctx.Value(authContextKey{}).(broker.Principal)
	return principal, ok
}

func requireDoctor(w http.ResponseWriter, r *http.Request) (broker.Principal, bool) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing token")
		return broker.Principal{}, false
	}
	if principal.Role != broker.RoleDoctor {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "doctor role required")
		return broker.Principal{}, false
	}
	return principal, true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
