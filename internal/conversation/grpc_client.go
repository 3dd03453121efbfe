package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errInterventionRejected     = errors.New("intervention rejected by conversation service")
)

const (
	sendInterventionMethod = "/quarry.conversation.ConversationService/SendIntervention"
	healthMethod           = "/quarry.conversation.ConversationService/Health"
)

// jsonCodec marshals gRPC messages as plain JSON. The legacy conversation
// service speaks JSON-over-gRPC, so no generated protobuf stubs are needed.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GrpcClient is the gRPC client to the legacy conversation service.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger

	requestTimeout time.Duration
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a client to the legacy conversation service and
// forces a connection attempt so a bad endpoint fails at startup.
func NewGrpcClient(addr string, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	cfg.Address = addr

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to conversation service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("conversation service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to conversation service", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Address,
		logger:         logger,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

type interventionReply struct {
	Ok     bool   `json:"ok"`
	Status string `json:"status"`
}

// SendIntervention injects a message into a live legacy conversation.
func (c *GrpcClient) SendIntervention(ctx context.Context, iv Intervention) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reply interventionReply
	if err := c.conn.Invoke(ctx, sendInterventionMethod, &iv, &reply); err != nil {
		return fmt.Errorf("send intervention to conversation %s: %w", iv.ConversationID, err)
	}
	if !reply.Ok {
		c.logger.Warn("Conversation service rejected intervention",
			"conversation_id", iv.ConversationID,
			"status", reply.Status)
		if reply.Status == "" {
			return errInterventionRejected
		}
		return fmt.Errorf("%w: %s", errInterventionRejected, reply.Status)
	}
	return nil
}

type healthReply struct {
	Status string `json:"status"`
}

// Healthy reports whether the conversation service answers its health RPC.
func (c *GrpcClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var reply healthReply
	if err := c.conn.Invoke(ctx, healthMethod, &struct{}{}, &reply); err != nil {
		c.logger.Debug("Conversation service health check failed", "error", err)
		return false
	}
	return reply.Status == "healthy" || reply.Status == "ok"
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

var _ Service = (*GrpcClient)(nil)
