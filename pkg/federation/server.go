package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"grid/pkg/channel"
	"grid/pkg/event"
	"grid/pkg/store"
	"grid/pkg/types"
)

// DefaultMaxEventSize bounds inbound event payloads when none is configured
const DefaultMaxEventSize = 64 << 10

// Server answers federation requests from peers
type Server struct {
	domain       string
	manager      *channel.Manager
	store        store.Store
	resolver     *PeerResolver
	recorder     Recorder
	maxEventSize int64
	logger       *zap.Logger
}

var _ FederationServer = (*Server)(nil)

// NewServer creates the federation handler for the local domain
func NewServer(manager *channel.Manager, st store.Store, resolver *PeerResolver, recorder Recorder, maxEventSize int64, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEventSize <= 0 {
		maxEventSize = DefaultMaxEventSize
	}
	return &Server{
		domain:       manager.Domain(),
		manager:      manager,
		store:        st,
		resolver:     resolver,
		recorder:     recorder,
		maxEventSize: maxEventSize,
		logger:       logger,
	}
}

// GetEvent serves a stored event whose payload is present
func (s *Server) GetEvent(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req getEventRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if req.Channel == "" || req.Event == "" {
		return nil, status.Error(codes.InvalidArgument, "channel and event are required")
	}

	ce, err := s.store.FindEvent(ctx, req.Channel, req.Event)
	if err != nil {
		s.logger.Error("Failed to look up event",
			zap.String("channel", req.Channel),
			zap.String("event", req.Event),
			zap.Error(err))
		return nil, status.Error(codes.Internal, "event lookup failed")
	}
	if ce == nil || !ce.Meta.Present {
		return nil, status.Errorf(codes.NotFound, "event %s not found", req.Event)
	}
	return wrapperspb.Bytes(ce.Raw), nil
}

// GetFrontier reports the version and extremities of a tracked channel so
// a peer can join it
func (s *Server) GetFrontier(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req frontierRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	ch, err := s.manager.Get(req.Channel)
	if errors.Is(err, channel.ErrUnknownChannel) {
		return nil, status.Errorf(codes.NotFound, "channel %s not found", req.Channel)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := json.Marshal(frontierResponse{Version: ch.Version(), Extremities: ch.Extremities()})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return wrapperspb.Bytes(out), nil
}

// Push accepts an event authored by the calling server and offers it to
// its channel, tracking the channel first if needed
func (s *Server) Push(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	caller, err := callerDomain(ctx)
	if err != nil {
		return nil, err
	}

	var req pushRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if int64(len(req.Event)) > s.maxEventSize {
		return nil, status.Errorf(codes.InvalidArgument,
			"event of %d bytes exceeds the limit of %d", len(req.Event), s.maxEventSize)
	}
	ev, err := event.Parse(req.Event)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed event: %v", err)
	}
	if caller == s.domain {
		return nil, status.Error(codes.PermissionDenied, "peers cannot push as the local domain")
	}
	if ev.Origin != caller {
		return nil, status.Errorf(codes.PermissionDenied,
			"origin %s does not match caller %s", ev.Origin, caller)
	}
	if types.DomainOf(ev.Sender) != ev.Origin {
		return nil, status.Errorf(codes.PermissionDenied,
			"sender %s does not belong to origin %s", ev.Sender, ev.Origin)
	}
	if err := s.authenticate(req.Event, ev.Origin); err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}

	ch, err := s.manager.GetOrTrack(ctx, ev.ChannelID, req.Version)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "channel %s: %v", ev.ChannelID, err)
	}
	results, err := ch.Offer(ctx, event.NewChannelEvent(req.Event, caller))
	if err != nil {
		s.logger.Error("Failed to offer pushed event",
			zap.String("channel", ev.ChannelID),
			zap.String("event", ev.ID),
			zap.String("origin", caller),
			zap.Error(err))
		return nil, status.Error(codes.Internal, "offer failed")
	}
	auth := results[0]
	if s.recorder != nil {
		s.recorder.InboundEvent(auth)
	}
	s.logger.Debug("Accepted pushed event",
		zap.String("channel", ev.ChannelID),
		zap.String("event", ev.ID),
		zap.String("origin", caller),
		zap.Bool("allowed", auth.Allowed()))

	out, err := json.Marshal(pushResponse{Authorization: auth})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return wrapperspb.Bytes(out), nil
}

// authenticate checks the content hash, and the origin's signature when a
// key for the origin is configured
func (s *Server) authenticate(raw json.RawMessage, origin string) error {
	return authenticate(s.resolver, raw, origin)
}

func authenticate(resolver *PeerResolver, raw json.RawMessage, origin string) error {
	if err := event.VerifyHash(raw); err != nil {
		return err
	}
	if resolver == nil {
		return nil
	}
	pub, ok := resolver.PublicKey(origin)
	if !ok {
		return nil
	}
	if err := event.Verify(raw, origin, pub); err != nil {
		return fmt.Errorf("verify %s: %w", origin, err)
	}
	return nil
}

func callerDomain(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(originHeader)
	if len(values) == 0 || values[0] == "" {
		return "", status.Error(codes.Unauthenticated, "missing origin")
	}
	return values[0], nil
}
