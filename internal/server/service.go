package server

import (
	"context"
	"encoding/json"
	"time"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/ingestion"
	"NFTLend/internal/persistence"
	"NFTLend/internal/query"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the full gRPC name of the lending service.
const ServiceName = "nftlend.v1.Lending"

// Submitter hands a parsed command to the engine.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) (core.Result, error)
}

// Querier reads the projections and the event log.
type Querier interface {
	GetBalance(ctx context.Context, owner, asset common.Address) (*query.BalanceResponse, error)
	GetBorrow(ctx context.Context, id common.Hash) (*query.BorrowResponse, error)
	ListUserBorrows(ctx context.Context, owner common.Address) (*query.UserBorrowsResponse, error)
	GetReserve(ctx context.Context, key reserve.Key) (*query.ReserveResponse, error)
	GetEventLogInfo(ctx context.Context) (*query.EventLogInfo, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// SnapshotTaker captures and stores an engine snapshot.
type SnapshotTaker interface {
	Take(ctx context.Context) (persistence.SnapshotResult, error)
}

// --- Messages ---
// Command RPCs take the command body as raw JSON in the same wire format
// the NATS subjects carry.

// CommandResponse reports how the engine handled a command.
type CommandResponse struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	Duplicate bool            `json:"duplicate,omitempty"`
	StateHash string          `json:"state_hash,omitempty"`
	Outcome   json.RawMessage `json:"outcome,omitempty"`
}

type GetBorrowRequest struct {
	BorrowID string `json:"borrow_id"`
}

type ListUserBorrowsRequest struct {
	Address string `json:"address"`
}

type GetReserveRequest struct {
	Collateral string `json:"collateral"`
	Asset      string `json:"asset"`
}

type GetBalanceRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type TakeSnapshotRequest struct{}

type SnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	SizeBytes int    `json:"size_bytes"`
	Verified  bool   `json:"verified"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

type VerifyIntegrityRequest struct{}

type GetEventLogInfoRequest struct{}

// LendingServer is the server API of nftlend.v1.Lending.
type LendingServer interface {
	Deposit(context.Context, *json.RawMessage) (*CommandResponse, error)
	Withdraw(context.Context, *json.RawMessage) (*CommandResponse, error)
	Borrow(context.Context, *json.RawMessage) (*CommandResponse, error)
	BatchBorrow(context.Context, *json.RawMessage) (*CommandResponse, error)
	Repay(context.Context, *json.RawMessage) (*CommandResponse, error)
	Bid(context.Context, *json.RawMessage) (*CommandResponse, error)
	Redeem(context.Context, *json.RawMessage) (*CommandResponse, error)
	Liquidate(context.Context, *json.RawMessage) (*CommandResponse, error)

	GetBorrow(context.Context, *GetBorrowRequest) (*query.BorrowResponse, error)
	ListUserBorrows(context.Context, *ListUserBorrowsRequest) (*query.UserBorrowsResponse, error)
	GetReserve(context.Context, *GetReserveRequest) (*query.ReserveResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*query.BalanceResponse, error)

	InitReserve(context.Context, *json.RawMessage) (*CommandResponse, error)
	SetInterestRateStrategy(context.Context, *json.RawMessage) (*CommandResponse, error)
	SetLiquidationThreshold(context.Context, *json.RawMessage) (*CommandResponse, error)
	SetAuctionDuration(context.Context, *json.RawMessage) (*CommandResponse, error)
	UpdateWhitelist(context.Context, *json.RawMessage) (*CommandResponse, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	GetEventLogInfo(context.Context, *GetEventLogInfoRequest) (*query.EventLogInfo, error)
}

// unary builds the method descriptor for one RPC.
func unary[Req, Resp any](name string, call func(LendingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
			}
			if interceptor == nil {
				return call(srv.(LendingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(LendingServer), ctx, req.(*Req))
			})
		},
	}
}

// LendingServiceDesc describes nftlend.v1.Lending. Messages travel with the
// "json" codec.
var LendingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LendingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", LendingServer.Deposit),
		unary("Withdraw", LendingServer.Withdraw),
		unary("Borrow", LendingServer.Borrow),
		unary("BatchBorrow", LendingServer.BatchBorrow),
		unary("Repay", LendingServer.Repay),
		unary("Bid", LendingServer.Bid),
		unary("Redeem", LendingServer.Redeem),
		unary("Liquidate", LendingServer.Liquidate),
		unary("GetBorrow", LendingServer.GetBorrow),
		unary("ListUserBorrows", LendingServer.ListUserBorrows),
		unary("GetReserve", LendingServer.GetReserve),
		unary("GetBalance", LendingServer.GetBalance),
		unary("InitReserve", LendingServer.InitReserve),
		unary("SetInterestRateStrategy", LendingServer.SetInterestRateStrategy),
		unary("SetLiquidationThreshold", LendingServer.SetLiquidationThreshold),
		unary("SetAuctionDuration", LendingServer.SetAuctionDuration),
		unary("UpdateWhitelist", LendingServer.UpdateWhitelist),
		unary("TakeSnapshot", LendingServer.TakeSnapshot),
		unary("RebuildProjections", LendingServer.RebuildProjections),
		unary("VerifyIntegrity", LendingServer.VerifyIntegrity),
		unary("GetEventLogInfo", LendingServer.GetEventLogInfo),
	},
	Streams: []grpc.StreamDesc{},
}

// Service implements LendingServer on top of the engine submitter and the
// query service.
type Service struct {
	parser    *ingestion.Parser
	submitter Submitter
	query     Querier
	snapshots SnapshotTaker
	rebuild   func(ctx context.Context) error
	now       func() time.Time
	log       zerolog.Logger
}

var _ LendingServer = (*Service)(nil)

// command parses raw as a command of type et and submits it. A rejected
// command is still logged; its domain error becomes the status.
func (s *Service) command(ctx context.Context, et event.EventType, raw *json.RawMessage) (*CommandResponse, error) {
	if raw == nil || len(*raw) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty command body")
	}
	cmd, err := s.parser.Parse(et, *raw, s.now())
	if err != nil {
		return nil, toStatus(err)
	}

	res, err := s.submitter.Submit(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Err != nil {
		seq := int64(-1)
		if res.Envelope != nil {
			seq = res.Envelope.Sequence
		}
		s.log.Debug().Str("event_type", et.String()).Int64("sequence", seq).Err(res.Err).Msg("command rejected")
		return nil, toStatus(res.Err)
	}

	resp := &CommandResponse{EventType: et.String(), Duplicate: res.Duplicate, Sequence: -1}
	if env := res.Envelope; env != nil {
		resp.Sequence = env.Sequence
		resp.StateHash = hexutil.Encode(env.StateHash[:])
		resp.Outcome = env.Outcome
	}
	return resp, nil
}

func (s *Service) Deposit(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeDeposit, raw)
}

func (s *Service) Withdraw(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeWithdraw, raw)
}

func (s *Service) Borrow(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeBorrow, raw)
}

func (s *Service) BatchBorrow(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeBatchBorrow, raw)
}

func (s *Service) Repay(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeRepay, raw)
}

func (s *Service) Bid(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeBid, raw)
}

func (s *Service) Redeem(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeRedeem, raw)
}

func (s *Service) Liquidate(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeLiquidate, raw)
}

func (s *Service) InitReserve(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeInitReserve, raw)
}

func (s *Service) SetInterestRateStrategy(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeSetInterestRateStrategy, raw)
}

func (s *Service) SetLiquidationThreshold(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeSetLiquidationThreshold, raw)
}

func (s *Service) SetAuctionDuration(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeSetAuctionDuration, raw)
}

func (s *Service) UpdateWhitelist(ctx context.Context, raw *json.RawMessage) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeUpdateWhitelist, raw)
}

// --- Queries ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func (s *Service) GetBorrow(ctx context.Context, req *GetBorrowRequest) (*query.BorrowResponse, error) {
	b, err := hexutil.Decode(req.BorrowID)
	if err != nil || len(b) != common.HashLength {
		return nil, status.Errorf(codes.InvalidArgument, "borrow_id: invalid hash %q", req.BorrowID)
	}
	resp, err := s.query.GetBorrow(ctx, common.BytesToHash(b))
	return resp, toStatus(err)
}

func (s *Service) ListUserBorrows(ctx context.Context, req *ListUserBorrowsRequest) (*query.UserBorrowsResponse, error) {
	owner, err := parseAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.ListUserBorrows(ctx, owner)
	return resp, toStatus(err)
}

func (s *Service) GetReserve(ctx context.Context, req *GetReserveRequest) (*query.ReserveResponse, error) {
	collateral, err := parseAddress("collateral", req.Collateral)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetReserve(ctx, reserve.Key{Collateral: collateral, Asset: asset})
	return resp, toStatus(err)
}

func (s *Service) GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalanceResponse, error) {
	owner, err := parseAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetBalance(ctx, owner, asset)
	return resp, toStatus(err)
}

// --- Operations ---

func (s *Service) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*SnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.Unavailable, "snapshots are not configured")
	}
	res, err := s.snapshots.Take(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{
		Sequence:  res.Sequence,
		StateHash: hexutil.Encode(res.StateHash[:]),
		SizeBytes: res.SizeBytes,
		Verified:  res.Verified,
	}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.rebuild == nil {
		return nil, status.Error(codes.Unavailable, "projection rebuild is not configured")
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Rebuilt: true}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.query.VerifyIntegrity(ctx)
	return report, toStatus(err)
}

func (s *Service) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*query.EventLogInfo, error) {
	info, err := s.query.GetEventLogInfo(ctx)
	return info, toStatus(err)
}
