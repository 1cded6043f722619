// Package server provides the shared gRPC interceptor chain: panic recovery,
// correlation id propagation, caller authentication, and request logging.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/avenirsoft/crmcore/internal/reqctx"
)

// Metadata keys used across services.
const (
	CorrelationHeader = "x-correlation-id"
	InternalHeader    = "x-internal-service"
)

// VerifiedIdentity is the authenticated caller attached to the request
// context by AuthInterceptor.
type VerifiedIdentity struct {
	Subject string
	Claims  jwt.MapClaims // nil for internal-service callers
}

type identityKey struct{}

// IdentityFromContext returns the verified identity on ctx, or nil when the
// call was public.
func IdentityFromContext(ctx context.Context) *VerifiedIdentity {
	id, _ := ctx.Value(identityKey{}).(*VerifiedIdentity)
	return id
}

// AuthConfig controls the auth interceptor.
type AuthConfig struct {
	// JWTSecret is the HS256 shared secret for bearer tokens. Leaving it
	// empty is a deployment error surfaced at the first authenticated call.
	JWTSecret string
	// InternalToken authorizes service-to-service calls carrying the
	// x-internal-service metadata key. Empty disables the internal path.
	InternalToken string
	// PublicMethods lists full method names that bypass auth entirely.
	PublicMethods []string
}

func (c AuthConfig) isPublic(fullMethod string) bool {
	if strings.HasSuffix(fullMethod, "/Health") {
		return true
	}
	return slices.Contains(c.PublicMethods, fullMethod)
}

// subjectClaims is the precedence order for extracting a caller identity
// from token claims. First non-empty wins.
var subjectClaims = []string{"sub", "userId", "uid"}

// RecoveryInterceptor catches panics in downstream handlers, logs the stack
// trace, and returns a codes.Internal error instead of crashing the server.
func RecoveryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in gRPC handler",
				"method", info.FullMethod,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}

// CorrelationInterceptor attaches a request context to every call: the
// x-correlation-id metadata value when the caller sent one, a freshly
// generated id otherwise. The effective id is echoed back as a response
// header so callers can log it.
func CorrelationInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	var correlationID string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(CorrelationHeader); len(vals) > 0 {
			correlationID = vals[0]
		}
	}

	rc := reqctx.New(reqctx.KindSync, correlationID, "")
	ctx = reqctx.NewContext(ctx, rc)

	// Best effort: streaming-free unary calls always accept headers, but a
	// handler that already wrote them should not fail the call.
	_ = grpc.SetHeader(ctx, metadata.Pairs(CorrelationHeader, rc.CorrelationID))

	return handler(ctx, req)
}

// AuthInterceptor returns a unary interceptor enforcing caller identity.
// Public methods pass through. Internal services authenticate with the
// x-internal-service token; everything else needs a Bearer JWT signed with
// the shared HS256 secret. The verified identity is attached to the context
// and recorded as the request caller.
func AuthInterceptor(cfg AuthConfig) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if cfg.isPublic(info.FullMethod) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		if vals := md.Get(InternalHeader); len(vals) > 0 {
			if cfg.InternalToken == "" ||
				subtle.ConstantTimeCompare([]byte(vals[0]), []byte(cfg.InternalToken)) != 1 {
				return nil, status.Error(codes.Unauthenticated, "invalid internal service token")
			}
			return handler(withIdentity(ctx, &VerifiedIdentity{Subject: "internal"}), req)
		}

		auth := md.Get("authorization")
		if len(auth) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization header")
		}
		raw, found := strings.CutPrefix(auth[0], "Bearer ")
		if !found {
			return nil, status.Error(codes.Unauthenticated, "invalid authorization scheme")
		}

		if cfg.JWTSecret == "" {
			// A reachable authenticated method without a configured secret is
			// a server misconfiguration, not a caller failure.
			return nil, status.Error(codes.Internal, "authentication not configured")
		}

		identity, err := verifyToken(raw, cfg.JWTSecret)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}

		return handler(withIdentity(ctx, identity), req)
	}
}

func withIdentity(ctx context.Context, id *VerifiedIdentity) context.Context {
	if rc := reqctx.FromContext(ctx); rc != nil {
		rc.Caller = id.Subject
	}
	return context.WithValue(ctx, identityKey{}, id)
}

func verifyToken(raw, secret string) (*VerifiedIdentity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	var subject string
	for _, key := range subjectClaims {
		if v, ok := claims[key].(string); ok && v != "" {
			subject = v
			break
		}
	}
	if subject == "" {
		return nil, fmt.Errorf("token has no subject claim")
	}

	return &VerifiedIdentity{Subject: subject, Claims: claims}, nil
}

// LoggingInterceptor logs the method name, duration, correlation id, caller,
// and error (if any) for every unary RPC call.
func LoggingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	attrs := []any{
		"method", info.FullMethod,
		"duration", duration,
	}
	if rc := reqctx.FromContext(ctx); rc != nil {
		attrs = append(attrs, "correlation_id", rc.CorrelationID)
		if rc.Caller != "" {
			attrs = append(attrs, "caller", rc.Caller)
		}
	}

	if err != nil {
		slog.Error("rpc completed", append(attrs, "error", err)...)
	} else {
		slog.Info("rpc completed", attrs...)
	}

	return resp, err
}
