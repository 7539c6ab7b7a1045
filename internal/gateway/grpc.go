package gateway

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/config"
	"github.com/apix-platform/realtime-fabric/internal/logging"
	"github.com/apix-platform/realtime-fabric/internal/router"
	"github.com/apix-platform/realtime-fabric/internal/tenant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// jsonCodec is a minimal grpc/encoding.Codec so INTERNAL_SERVICE callers can
// speak this ingress without a compiled protobuf schema; the publish payload
// is opaque JSON anyway, so a JSON wire codec costs nothing in practice.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// PublishRequest is the internal-service publish RPC's request body.
type PublishRequest struct {
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	ChannelType    string          `json:"channelType"`
	Channel        string          `json:"channel"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority,omitempty"`
	Acknowledgment bool            `json:"acknowledgment,omitempty"`
}

// PublishResponse reports the assigned event ID.
type PublishResponse struct {
	EventID string `json:"eventId"`
}

// publishServer implements the hand-registered Publish RPC against the Router.
type publishServer struct {
	router *router.Router
	log    *logging.Logger
}

func (s *publishServer) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	principal := tenant.Principal{OrganizationID: req.OrganizationID, UserID: req.UserID}
	event, err := s.router.Publish(ctx, principal, router.ChannelType(req.ChannelType), req.Channel, req.EventType, req.Payload, req.Priority, req.Acknowledgment)
	if err != nil {
		if apierr.Is(err, apierr.Forbidden) {
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		if apierr.Is(err, apierr.QuotaExceeded) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &PublishResponse{EventID: event.ID}, nil
}

func publishUnaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(PublishRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*publishServer).Publish(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fabric.internal.Publisher/Publish"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*publishServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, req, info, handler)
}

var publisherServiceDesc = grpc.ServiceDesc{
	ServiceName: "fabric.internal.Publisher",
	HandlerType: (*publishServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishUnaryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/gateway/grpc.go",
}

// NewGRPCServer builds the internal-service publish ingress: an
// authenticated, unary-only gRPC server an INTERNAL_SERVICE client can call
// to publish without holding a WebSocket session. Security is adapted from
// the teacher's mTLS/shared-secret dispatch in its root-level
// configureGRPCSecurity, generalized to cover a unary interceptor as well as
// the streaming one the teacher only needed.
func NewGRPCServer(cfg config.GRPCConfig, r *router.Router, logger *logging.Logger) (*grpc.Server, error) {
	if logger == nil {
		logger = logging.L()
	}
	opts, err := grpcSecurityOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(opts...)
	server.RegisterService(&publisherServiceDesc, &publishServer{router: r, log: logger})
	return server, nil
}

func grpcSecurityOptions(cfg config.GRPCConfig, logger *logging.Logger) ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption
	switch cfg.AuthMode {
	case config.GRPCAuthModeMTLS:
		creds, err := loadMTLSCredentials(cfg.ServerCertPath, cfg.ServerKeyPath, cfg.ClientCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC mTLS enabled")
	case config.GRPCAuthModeSharedSecret:
		opts = append(opts,
			grpc.UnaryInterceptor(sharedSecretUnaryInterceptor(cfg.SharedSecret)),
			grpc.ChainStreamInterceptor(sharedSecretStreamInterceptor(cfg.SharedSecret)),
		)
		logger.Info("gRPC shared-secret authentication enabled")
	default:
		return nil, fmt.Errorf("unsupported grpc auth mode %q", cfg.AuthMode)
	}
	return opts, nil
}

const sharedSecretMetadataKey = "x-fabric-shared-secret"

func sharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := checkSharedSecret(ctx, normalized); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func sharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkSharedSecret(ss.Context(), normalized); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkSharedSecret(ctx context.Context, normalized string) error {
	if normalized == "" {
		return status.Error(codes.Unauthenticated, "shared secret not configured")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractSharedSecret(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid shared secret")
	}
	return nil
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(sharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if strings.HasPrefix(strings.ToLower(value), "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

func loadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caFile, err := os.Open(caPath)
	if err != nil {
		return nil, fmt.Errorf("open client ca: %w", err)
	}
	defer caFile.Close()
	caBytes, err := io.ReadAll(caFile)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse client ca bundle")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsConfig), nil
}
