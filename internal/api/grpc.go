package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/heysubinoy/pyazcart/api/proto"
	"github.com/heysubinoy/pyazcart/internal/cart"
	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// MaxMessageSize caps inbound gRPC messages.
const MaxMessageSize = 1 << 20

// ServerOptions returns the options a cart gRPC server is built with,
// followed by extra.
func ServerOptions(logger *slog.Logger, extra ...grpc.ServerOption) []grpc.ServerOption {
	return append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.ConnectionTimeout(5 * time.Second),
		grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)),
	}, extra...)
}

// GRPCServer implements the proto.CartServiceServer interface.
// It wraps a cart.Store and exposes it over gRPC.
type GRPCServer struct {
	proto.UnimplementedCartServiceServer
	Cart *cart.Store

	// PeerGRPC maps raft server IDs to their gRPC addresses so a follower
	// can tell the client where the leader listens.
	PeerGRPC map[raft.ServerID]string
}

// NewGRPCServer creates a new gRPC server with the given cart.
func NewGRPCServer(c *cart.Store, peerGRPC map[raft.ServerID]string) *GRPCServer {
	return &GRPCServer{
		Cart:     c,
		PeerGRPC: peerGRPC,
	}
}

// AddItem stores an item, overwriting any item with the same name.
func (s *GRPCServer) AddItem(ctx context.Context, req *proto.AddItemRequest) (*proto.AddItemResponse, error) {
	if req.Item == nil {
		return nil, status.Error(codes.InvalidArgument, "item is required")
	}

	if err := s.Cart.AddItem(ctx, fromProto(req.Item)); err != nil {
		return nil, s.statusOf(err)
	}
	return &proto.AddItemResponse{}, nil
}

// DeleteItem removes an item. Deleting an absent item succeeds.
func (s *GRPCServer) DeleteItem(ctx context.Context, req *proto.DeleteItemRequest) (*proto.DeleteItemResponse, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}

	if err := s.Cart.DeleteItem(ctx, req.Name); err != nil {
		return nil, s.statusOf(err)
	}
	return &proto.DeleteItemResponse{}, nil
}

// GetItems lists the whole cart.
func (s *GRPCServer) GetItems(ctx context.Context, _ *proto.GetItemsRequest) (*proto.GetItemsResponse, error) {
	items, err := s.Cart.GetItems(ctx)
	if err != nil {
		return nil, s.statusOf(err)
	}

	resp := &proto.GetItemsResponse{Items: make([]*proto.Item, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, toProto(it))
	}
	return resp, nil
}

// statusOf is toStatus plus the leader's gRPC address when a follower knows it.
func (s *GRPCServer) statusOf(err error) error {
	var notLeader *kv.NotLeaderError
	if errors.As(err, &notLeader) && notLeader.LeaderID != "" {
		if addr, ok := s.PeerGRPC[raft.ServerID(notLeader.LeaderID)]; ok {
			return status.Errorf(codes.Unavailable, "not leader, retry against %s at %s", notLeader.LeaderID, addr)
		}
	}
	return toStatus(err)
}

// toStatus maps cart and store errors onto gRPC status codes.
func toStatus(err error) error {
	var notLeader *kv.NotLeaderError
	switch {
	case errors.Is(err, cart.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &notLeader):
		return status.Error(codes.Unavailable, notLeader.Error())
	case errors.Is(err, kv.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, cart.ErrCorruptItem):
		return status.Error(codes.DataLoss, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		level := slog.LevelInfo
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc call",
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

func fromProto(it *proto.Item) cart.Item {
	return cart.Item{
		Name:        it.Name,
		Quantity:    it.Quantity,
		UnitPrice:   it.UnitPrice,
		Description: it.Description,
	}
}

func toProto(it cart.Item) *proto.Item {
	return &proto.Item{
		Name:        it.Name,
		Quantity:    it.Quantity,
		UnitPrice:   it.UnitPrice,
		Description: it.Description,
	}
}
