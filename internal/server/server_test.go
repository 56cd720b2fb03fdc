package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"NFTLend/internal/core"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/ingestion"
	"NFTLend/internal/persistence"
	"NFTLend/internal/query"
	"NFTLend/internal/reserve"
	"NFTLend/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	punks = "0x0000000000000000000000000000000000000721"
	weth  = "0x00000000000000000000000000000000000000c0"
	alice = "0x00000000000000000000000000000000000a11ce"
	reqID = "550e8400-e29b-41d4-a716-446655440000"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	commands []event.Command
	result   core.Result
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd event.Command) (core.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.result, f.err
}

func (f *fakeSubmitter) last() event.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return nil
	}
	return f.commands[len(f.commands)-1]
}

type fakeQuerier struct {
	borrow *query.BorrowResponse
}

func (q *fakeQuerier) GetBalance(_ context.Context, owner, asset common.Address) (*query.BalanceResponse, error) {
	return &query.BalanceResponse{Owner: owner.Hex(), Asset: asset.Hex(), Balance: big.NewInt(42)}, nil
}

func (q *fakeQuerier) GetBorrow(_ context.Context, id common.Hash) (*query.BorrowResponse, error) {
	if q.borrow == nil || q.borrow.BorrowID != id.Hex() {
		return nil, fmt.Errorf("borrow %s: %w", id.Hex(), query.ErrNotFound)
	}
	return q.borrow, nil
}

func (q *fakeQuerier) ListUserBorrows(_ context.Context, owner common.Address) (*query.UserBorrowsResponse, error) {
	return &query.UserBorrowsResponse{Owner: owner.Hex(), BorrowIDs: []string{"0x01"}}, nil
}

func (q *fakeQuerier) GetReserve(_ context.Context, key reserve.Key) (*query.ReserveResponse, error) {
	return &query.ReserveResponse{ReserveKey: key.String(), TotalSupply: big.NewInt(100)}, nil
}

func (q *fakeQuerier) GetEventLogInfo(context.Context) (*query.EventLogInfo, error) {
	return &query.EventLogInfo{EventCount: 3, LatestSequence: 2}, nil
}

func (q *fakeQuerier) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, CheckedEvents: 3}, nil
}

type fakeSnapshots struct{}

func (fakeSnapshots) Take(context.Context) (persistence.SnapshotResult, error) {
	return persistence.SnapshotResult{Sequence: 9, StateHash: [32]byte{1}, SizeBytes: 128, Verified: true}, nil
}

func newServer(t *testing.T, sub *fakeSubmitter, q *fakeQuerier) *server.Server {
	t.Helper()
	srv, err := server.NewServer(server.Deps{
		Parser:    ingestion.NewParser(nil),
		Submitter: sub,
		Query:     q,
		Snapshots: fakeSnapshots{},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return srv
}

func dial(t *testing.T, srv *server.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.GRPC().Serve(lis)
	t.Cleanup(srv.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp interface{}) error {
	return conn.Invoke(ctx, "/"+server.ServiceName+"/"+method, req, resp, grpc.CallContentSubtype("json"))
}

func depositBody() json.RawMessage {
	return json.RawMessage(`{"request_id":"` + reqID + `","collateral":"` + punks + `","asset":"` + weth +
		`","amount":"1.5","initiator":"` + alice + `"}`)
}

func acceptedResult() core.Result {
	return core.Result{Envelope: &event.EventEnvelope{
		Sequence:  7,
		EventType: event.EventTypeDeposit,
		StateHash: [32]byte{0xab},
		Outcome:   []byte(`{"amount":"1500000000000000000"}`),
	}}
}

func TestGRPC_DepositParsesAndSubmits(t *testing.T) {
	sub := &fakeSubmitter{result: acceptedResult()}
	conn := dial(t, newServer(t, sub, &fakeQuerier{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp server.CommandResponse
	require.NoError(t, invoke(ctx, conn, "Deposit", depositBody(), &resp))

	assert.Equal(t, int64(7), resp.Sequence)
	assert.Equal(t, "Deposit", resp.EventType)
	assert.True(t, strings.HasPrefix(resp.StateHash, "0xab"))
	assert.JSONEq(t, `{"amount":"1500000000000000000"}`, string(resp.Outcome))

	dep, ok := sub.last().(*event.Deposit)
	require.True(t, ok, "expected *event.Deposit, got %T", sub.last())
	assert.Equal(t, "1500000000000000000", dep.Amount.String())
	assert.Equal(t, common.HexToAddress(alice), dep.OnBehalfOf)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name string
		sub  *fakeSubmitter
		body json.RawMessage
		want codes.Code
	}{
		{"malformed", &fakeSubmitter{}, json.RawMessage(`{"request_id":"nope"}`), codes.InvalidArgument},
		{"rejected", &fakeSubmitter{result: core.Result{
			Envelope: &event.EventEnvelope{Sequence: 3, Rejected: true},
			Err:      errs.ErrInsufficientLiquidity,
		}}, depositBody(), codes.FailedPrecondition},
		{"out of order", &fakeSubmitter{err: fmt.Errorf("sequence validation failed: %w", core.ErrOutOfSequence)}, depositBody(), codes.Aborted},
		{"refused", &fakeSubmitter{err: errs.Wrapf(errs.ErrInvalidCommand, "no key")}, depositBody(), codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, newServer(t, tt.sub, &fakeQuerier{}))
			var resp server.CommandResponse
			err := invoke(ctx, conn, "Deposit", tt.body, &resp)
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err), err.Error())
		})
	}
}

func TestGRPC_RejectionCarriesCode(t *testing.T) {
	sub := &fakeSubmitter{result: core.Result{Err: errs.ErrBorrowNotActive}}
	conn := dial(t, newServer(t, sub, &fakeQuerier{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp server.CommandResponse
	err := invoke(ctx, conn, "Deposit", depositBody(), &resp)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(st.Message(), "BORROW_NOT_ACTIVE"), st.Message())
}

func TestGRPC_DuplicateIsNotAnError(t *testing.T) {
	sub := &fakeSubmitter{result: core.Result{Duplicate: true}}
	conn := dial(t, newServer(t, sub, &fakeQuerier{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp server.CommandResponse
	require.NoError(t, invoke(ctx, conn, "Deposit", depositBody(), &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, int64(-1), resp.Sequence)
}

func TestGRPC_Queries(t *testing.T) {
	id := common.HexToHash("0xbeef")
	q := &fakeQuerier{borrow: &query.BorrowResponse{BorrowID: id.Hex(), Status: "Active"}}
	conn := dial(t, newServer(t, &fakeSubmitter{}, q))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var borrow query.BorrowResponse
	require.NoError(t, invoke(ctx, conn, "GetBorrow", &server.GetBorrowRequest{BorrowID: id.Hex()}, &borrow))
	assert.Equal(t, "Active", borrow.Status)

	err := invoke(ctx, conn, "GetBorrow", &server.GetBorrowRequest{BorrowID: common.HexToHash("0x01").Hex()}, &borrow)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = invoke(ctx, conn, "GetBorrow", &server.GetBorrowRequest{BorrowID: "0x12"}, &borrow)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var bal query.BalanceResponse
	require.NoError(t, invoke(ctx, conn, "GetBalance", &server.GetBalanceRequest{Address: alice, Asset: weth}, &bal))
	assert.Zero(t, bal.Balance.Cmp(big.NewInt(42)))

	err = invoke(ctx, conn, "GetBalance", &server.GetBalanceRequest{Address: "alice", Asset: weth}, &bal)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var snap server.SnapshotResponse
	require.NoError(t, invoke(ctx, conn, "TakeSnapshot", &server.TakeSnapshotRequest{}, &snap))
	assert.Equal(t, int64(9), snap.Sequence)
	assert.True(t, snap.Verified)

	var rebuilt server.RebuildProjectionsResponse
	err = invoke(ctx, conn, "RebuildProjections", &server.RebuildProjectionsRequest{}, &rebuilt)
	assert.Equal(t, codes.Unavailable, status.Code(err), "rebuild is not configured")
}

func TestGRPC_HealthFollowsServing(t *testing.T) {
	srv := newServer(t, &fakeSubmitter{}, &fakeQuerier{})
	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestHTTP_Routes(t *testing.T) {
	id := common.HexToHash("0xbeef")
	sub := &fakeSubmitter{result: acceptedResult()}
	q := &fakeQuerier{borrow: &query.BorrowResponse{BorrowID: id.Hex(), Status: "Auction"}}
	srv := newServer(t, sub, q)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/deposit", "application/json", strings.NewReader(string(depositBody())))
	require.NoError(t, err)
	var cmd server.CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmd))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(7), cmd.Sequence)
	assert.IsType(t, &event.Deposit{}, sub.last())

	resp, err = http.Get(ts.URL + "/v1/borrows/" + id.Hex())
	require.NoError(t, err)
	var borrow query.BorrowResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&borrow))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Auction", borrow.Status)

	resp, err = http.Get(ts.URL + "/v1/borrows/" + common.HexToHash("0x02").Hex())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/reserves/" + punks + "/" + weth)
	require.NoError(t, err)
	var res query.ReserveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Zero(t, res.TotalSupply.Cmp(big.NewInt(100)))

	resp, err = http.Get(ts.URL + "/v1/admin/event-log")
	require.NoError(t, err)
	var info query.EventLogInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, int64(3), info.EventCount)

	resp, err = http.Post(ts.URL+"/v1/borrow", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_Readiness(t *testing.T) {
	srv := newServer(t, &fakeSubmitter{}, &fakeQuerier{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	srv.SetServing(true)
	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
