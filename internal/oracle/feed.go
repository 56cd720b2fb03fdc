// Package oracle holds the latest asset and NFT floor prices pushed into the
// service.
package oracle

import (
	"math/big"
	"sort"
	"sync"

	"NFTLend/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// Price is a wad-scaled quote in the common unit of account.
type Price struct {
	Value     *big.Int `json:"value"`
	Sequence  int64    `json:"sequence"`
	UpdatedAt int64    `json:"updated_at"`
}

// Feed is an in-memory price oracle. Updates carry a per-feed sequence;
// anything at or below the last applied sequence is ignored.
type Feed struct {
	mu     sync.RWMutex
	assets map[common.Address]Price
	floors map[common.Address]Price
}

func NewFeed() *Feed {
	return &Feed{
		assets: make(map[common.Address]Price),
		floors: make(map[common.Address]Price),
	}
}

// SetAssetPrice applies an asset price update. It returns false for a stale
// update.
func (f *Feed) SetAssetPrice(asset common.Address, p Price) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return set(f.assets, asset, p)
}

// SetFloorPrice applies a collection floor price update. It returns false
// for a stale update.
func (f *Feed) SetFloorPrice(collection common.Address, p Price) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return set(f.floors, collection, p)
}

func set(m map[common.Address]Price, key common.Address, p Price) bool {
	if cur, ok := m[key]; ok && p.Sequence <= cur.Sequence {
		return false
	}
	m[key] = Price{Value: new(big.Int).Set(p.Value), Sequence: p.Sequence, UpdatedAt: p.UpdatedAt}
	return true
}

// AssetPrice returns the wad price of asset.
func (f *Feed) AssetPrice(asset common.Address) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.assets[asset]
	if !ok || p.Value.Sign() <= 0 {
		return nil, errs.Wrapf(errs.ErrPriceUnavailable, "asset %s", asset.Hex())
	}
	return new(big.Int).Set(p.Value), nil
}

// FloorPrice returns the wad floor price of collection.
func (f *Feed) FloorPrice(collection common.Address) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.floors[collection]
	if !ok {
		return nil, errs.Wrapf(errs.ErrPriceUnavailable, "collection %s", collection.Hex())
	}
	return new(big.Int).Set(p.Value), nil
}

// Quote is one exported price row.
type Quote struct {
	Key   common.Address `json:"key"`
	Price Price          `json:"price"`
}

// State is the serializable form of the feed.
type State struct {
	Assets []Quote `json:"assets"`
	Floors []Quote `json:"floors"`
}

func (f *Feed) Export() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return State{Assets: export(f.assets), Floors: export(f.floors)}
}

func export(m map[common.Address]Price) []Quote {
	out := make([]Quote, 0, len(m))
	for k, p := range m {
		out = append(out, Quote{Key: k, Price: Price{Value: new(big.Int).Set(p.Value), Sequence: p.Sequence, UpdatedAt: p.UpdatedAt}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Cmp(out[j].Key) < 0 })
	return out
}

func (f *Feed) Restore(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = make(map[common.Address]Price, len(s.Assets))
	f.floors = make(map[common.Address]Price, len(s.Floors))
	for _, q := range s.Assets {
		f.assets[q.Key] = q.Price
	}
	for _, q := range s.Floors {
		f.floors[q.Key] = q.Price
	}
}
