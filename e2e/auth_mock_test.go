//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"

	authpb "github.com/vibast-solutions/ms-go-auth/app/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	defaultCheckoutCallerAPIKey   = "checkout-caller-key"
	defaultCheckoutNoAccessAPIKey = "checkout-no-access-key"
	defaultCheckoutAppAPIKey      = "checkout-app-api-key"
	checkoutAuthMockAddr          = "0.0.0.0:38085"
)

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func checkoutCallerAPIKey() string {
	return envOrDefault("CHECKOUT_CALLER_API_KEY", defaultCheckoutCallerAPIKey)
}

func checkoutNoAccessAPIKey() string {
	return envOrDefault("CHECKOUT_NO_ACCESS_API_KEY", defaultCheckoutNoAccessAPIKey)
}

func checkoutAppAPIKey() string {
	return envOrDefault("CHECKOUT_APP_API_KEY", defaultCheckoutAppAPIKey)
}

type checkoutAuthGRPCServer struct {
	authpb.UnimplementedAuthServiceServer
}

func (s *checkoutAuthGRPCServer) ValidateInternalAccess(ctx context.Context, req *authpb.ValidateInternalAccessRequest) (*authpb.ValidateInternalAccessResponse, error) {
	if incomingAPIKey(ctx) != checkoutAppAPIKey() {
		return nil, status.Error(codes.Unauthenticated, "unauthorized caller")
	}

	switch strings.TrimSpace(req.GetApiKey()) {
	case checkoutCallerAPIKey():
		return &authpb.ValidateInternalAccessResponse{
			ServiceName:   "food-ordering-gateway",
			AllowedAccess: []string{"checkout-service", "orders-service"},
		}, nil
	case checkoutNoAccessAPIKey():
		return &authpb.ValidateInternalAccessResponse{
			ServiceName:   "food-ordering-gateway",
			AllowedAccess: []string{"orders-service"},
		}, nil
	default:
		return nil, status.Error(codes.Unauthenticated, "invalid api key")
	}
}

func incomingAPIKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("x-api-key")
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func TestMain(m *testing.M) {
	for name, fallback := range map[string]string{
		"CHECKOUT_CALLER_API_KEY":    defaultCheckoutCallerAPIKey,
		"CHECKOUT_NO_ACCESS_API_KEY": defaultCheckoutNoAccessAPIKey,
		"CHECKOUT_APP_API_KEY":       defaultCheckoutAppAPIKey,
	} {
		if os.Getenv(name) == "" {
			_ = os.Setenv(name, fallback)
		}
	}

	listener, err := net.Listen("tcp", checkoutAuthMockAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start checkout auth grpc mock: %v\n", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	authpb.RegisterAuthServiceServer(grpcServer, &checkoutAuthGRPCServer{})

	go func() {
		_ = grpcServer.Serve(listener)
	}()

	exitCode := m.Run()

	grpcServer.GracefulStop()
	_ = listener.Close()

	os.Exit(exitCode)
}
