// Package pool orchestrates lending operations across reserves, the borrow
// registry, the auction engine and the external token ledgers.
//
// Every operation follows the same shape: take one config snapshot, accrue
// the reserve once, validate, mutate the in-memory ledgers, move tokens last
// and return the domain event. A failure at any step rolls back the undo
// logs and reverses the token movements already made.
package pool

import (
	"math/big"
	"sort"
	"sync"

	"NFTLend/internal/auction"
	"NFTLend/internal/collateral"
	"NFTLend/internal/config"
	"NFTLend/internal/errs"
	"NFTLend/internal/ledger"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// PriceOracle supplies wad prices in a common unit of account.
type PriceOracle interface {
	AssetPrice(asset common.Address) (*big.Int, error)
	FloorPrice(collection common.Address) (*big.Int, error)
}

// AssetLedger moves fungible assets.
type AssetLedger interface {
	BalanceOf(asset, owner common.Address) *big.Int
	Transfer(t ledger.Transfer) error
}

// CollateralLedger moves NFTs.
type CollateralLedger interface {
	OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error)
	TransferFrom(collection, from, to common.Address, tokenID *big.Int) error
}

// Pool is safe for concurrent use; operations are serialized.
type Pool struct {
	mu       sync.Mutex
	settings *config.Store
	reserves map[reserve.Key]*reserve.Reserve
	registry *collateral.Registry
	assets   AssetLedger
	nfts     CollateralLedger
	oracle   PriceOracle
	log      zerolog.Logger
}

func New(settings *config.Store, assets AssetLedger, nfts CollateralLedger, oracle PriceOracle, logger zerolog.Logger) *Pool {
	return &Pool{
		settings: settings,
		reserves: make(map[reserve.Key]*reserve.Reserve),
		registry: collateral.NewRegistry(),
		assets:   assets,
		nfts:     nfts,
		oracle:   oracle,
		log:      logger,
	}
}

// --- Transaction scope ---

type nftMove struct {
	collection common.Address
	tokenID    *big.Int
	from, to   common.Address
}

// tx is the unit of work of one operation.
type tx struct {
	p        *Pool
	op       string
	now      int64
	settings *config.Settings
	fees     *auction.Engine
	assets   []ledger.Transfer
	nfts     []nftMove
}

// run executes fn as one atomic operation.
func (p *Pool) run(op string, now int64, fn func(t *tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.settings.Snapshot()
	t := &tx{p: p, op: op, now: now, settings: s, fees: auction.New(s.Fees, s.AuctionDuration)}

	p.registry.Begin()
	for _, r := range p.reserves {
		r.Begin()
	}

	if err := fn(t); err != nil {
		t.rollback(err)
		return err
	}

	p.registry.Commit()
	for _, r := range p.reserves {
		r.Commit()
	}
	p.log.Debug().Str("op", op).Int64("ts", now).Int("transfers", len(t.assets)).Msg("operation applied")
	return nil
}

func (t *tx) rollback(cause error) {
	p := t.p
	p.registry.Rollback()
	for _, r := range p.reserves {
		r.Rollback()
	}

	for i := len(t.nfts) - 1; i >= 0; i-- {
		m := t.nfts[i]
		if err := p.nfts.TransferFrom(m.collection, m.to, m.from, m.tokenID); err != nil {
			p.log.Error().Err(err).Str("op", t.op).Str("collection", m.collection.Hex()).
				Str("token_id", m.tokenID.String()).Msg("compensating nft transfer failed")
		}
	}
	for i := len(t.assets) - 1; i >= 0; i-- {
		a := t.assets[i]
		err := p.assets.Transfer(ledger.Transfer{
			Asset:  a.Asset,
			From:   a.To,
			To:     a.From,
			Amount: a.Amount,
			Kind:   ledger.JournalTypeReversal,
		})
		if err != nil {
			p.log.Error().Err(err).Str("op", t.op).Str("asset", a.Asset.Hex()).
				Str("amount", a.Amount.String()).Msg("compensating transfer failed")
		}
	}

	p.log.Warn().Err(cause).Str("op", t.op).Str("code", errs.CodeOf(cause)).
		Int("reversed_transfers", len(t.assets)).Int("reversed_nft_moves", len(t.nfts)).
		Msg("operation rolled back")
}

// transfer moves a fungible amount and records it for compensation. Zero
// amounts and self transfers are skipped.
func (t *tx) transfer(asset, from, to common.Address, amount *big.Int, kind ledger.JournalType) error {
	if amount == nil || amount.Sign() == 0 || from == to {
		return nil
	}
	tr := ledger.Transfer{Asset: asset, From: from, To: to, Amount: new(big.Int).Set(amount), Kind: kind}
	if err := t.p.assets.Transfer(tr); err != nil {
		return errs.Transfer(err)
	}
	t.assets = append(t.assets, tr)
	return nil
}

func (t *tx) moveNFT(collection common.Address, tokenID *big.Int, from, to common.Address) error {
	if err := t.p.nfts.TransferFrom(collection, from, to, tokenID); err != nil {
		return errs.Transfer(err)
	}
	t.nfts = append(t.nfts, nftMove{collection: collection, tokenID: new(big.Int).Set(tokenID), from: from, to: to})
	return nil
}

// reserve looks up and accrues a reserve. Accrual is idempotent within one
// timestamp, so a batch touching the same reserve twice accrues once.
func (t *tx) reserve(key reserve.Key) (*reserve.Reserve, error) {
	r, ok := t.p.reserves[key]
	if !ok {
		return nil, errs.Wrapf(errs.ErrUnknownReserve, "reserve %s", key)
	}
	if err := r.Accrue(t.now, t.available(key)); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *tx) available(key reserve.Key) *big.Int {
	return t.p.assets.BalanceOf(key.Asset, key.Account())
}

// valuation returns the liquidation threshold of collection and its floor
// value in units of the reserve asset.
func (t *tx) valuation(r *reserve.Reserve, collection common.Address) (uint64, *big.Int, error) {
	floor, err := t.p.oracle.FloorPrice(collection)
	if err != nil {
		return 0, nil, err
	}
	price, err := t.p.oracle.AssetPrice(r.Key().Asset)
	if err != nil {
		return 0, nil, err
	}
	threshold := t.settings.Collateral(collection).LiquidationThresholdBps
	return threshold, collateral.FloorValue(floor, price, r.Params().Decimals), nil
}

// realDebt is the live debt of one borrow.
func realDebt(r *reserve.Reserve, b *collateral.Borrow) *big.Int {
	return fpmath.RayMul(b.ScaledDebt, r.Index().VariableBorrowIndex)
}

// --- Reads ---

// Settings returns the current configuration snapshot.
func (p *Pool) Settings() *config.Settings {
	return p.settings.Snapshot()
}

// Reserve returns a snapshot of one reserve.
func (p *Pool) Reserve(key reserve.Key) (reserve.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[key]
	if !ok {
		return reserve.Snapshot{}, errs.Wrapf(errs.ErrUnknownReserve, "reserve %s", key)
	}
	return r.Snapshot(), nil
}

// AssetDecimals returns the decimals of asset as configured on any of its
// reserves.
func (p *Pool) AssetDecimals(asset common.Address) (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, r := range p.reserves {
		if k.Asset == asset {
			return r.Params().Decimals, true
		}
	}
	return 0, false
}

// ReserveKeys lists every initialized reserve.
func (p *Pool) ReserveKeys() []reserve.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedKeys()
}

func (p *Pool) sortedKeys() []reserve.Key {
	keys := make([]reserve.Key, 0, len(p.reserves))
	for k := range p.reserves {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// SupplyBalance returns the real supply balance of account in a reserve as
// of the last accrual.
func (p *Pool) SupplyBalance(key reserve.Key, account common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[key]
	if !ok {
		return nil, errs.Wrapf(errs.ErrUnknownReserve, "reserve %s", key)
	}
	return r.Supply.RealBalance(account), nil
}

// GetBorrow returns a copy of a borrow record.
func (p *Pool) GetBorrow(id common.Hash) (*collateral.Borrow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registry.Get(id)
}

// Health is the collateral position of an open borrow.
type Health struct {
	Debt          *big.Int `json:"debt"`
	MaxBorrowable *big.Int `json:"max_borrowable"`
	InDefault     bool     `json:"in_default"`
}

// BorrowHealth values a borrow at the last accrued index and current prices.
func (p *Pool) BorrowHealth(id common.Hash) (Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.registry.Get(id)
	if err != nil {
		return Health{}, err
	}
	r, ok := p.reserves[reserve.Key{Collateral: b.Collateral, Asset: b.Asset}]
	if !ok {
		return Health{}, errs.Wrapf(errs.ErrUnknownReserve, "reserve of borrow %s", id.Hex())
	}
	t := &tx{p: p, settings: p.settings.Snapshot()}
	threshold, floor, err := t.valuation(r, b.Collateral)
	if err != nil {
		return Health{}, err
	}
	debt := realDebt(r, b)
	limit := collateral.MaxBorrowable(floor, threshold)
	return Health{Debt: debt, MaxBorrowable: limit, InDefault: debt.Cmp(limit) > 0}, nil
}

// UserBorrowIDs lists the borrow ids a user has opened.
func (p *Pool) UserBorrowIDs(user common.Address) []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registry.UserBorrowIDs(user)
}

// OpenBorrows lists the ids of every Active or ActiveAuction borrow.
func (p *Pool) OpenBorrows() []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registry.OpenBorrows()
}

// CountAuctions returns how many borrows are under auction.
func (p *Pool) CountAuctions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.registry.OpenBorrows() {
		if b, err := p.registry.Get(id); err == nil && b.Status == collateral.StatusActiveAuction {
			n++
		}
	}
	return n
}

// --- Snapshot ---

// State is the serializable form of the pool.
type State struct {
	Settings config.Settings  `json:"settings"`
	Reserves []reserve.State  `json:"reserves"`
	Registry collateral.State `json:"registry"`
}

func (p *Pool) Export() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{Settings: *p.settings.Snapshot().Clone(), Registry: p.registry.Export()}
	for _, k := range p.sortedKeys() {
		s.Reserves = append(s.Reserves, p.reserves[k].Export())
	}
	return s
}

// Restore replaces the pool state.
func (p *Pool) Restore(s State) error {
	reserves := make(map[reserve.Key]*reserve.Reserve, len(s.Reserves))
	for _, rs := range s.Reserves {
		r, err := reserve.Restore(rs)
		if err != nil {
			return err
		}
		reserves[rs.Key] = r
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Replace(s.Settings)
	p.reserves = reserves
	p.registry = collateral.RestoreRegistry(s.Registry)
	return nil
}
