// Package config loads the pool configuration and serves immutable
// snapshots of it to pool operations.
package config

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"

	"NFTLend/internal/auction"
	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/reserve"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultAuctionDuration is the grace period when the file does not set one.
const DefaultAuctionDuration = int64(24 * 60 * 60)

// File mirrors the TOML pool configuration.
type File struct {
	Treasury               string              `toml:"Treasury"`
	CollateralManager      string              `toml:"CollateralManager"`
	AuctionDurationSeconds int64               `toml:"AuctionDurationSeconds"`
	Fees                   auction.FeeSchedule `toml:"Fees"`
	Reserves               []ReserveFile       `toml:"Reserves"`
	Collaterals            []CollateralFile    `toml:"Collaterals"`
}

// ReserveFile describes a reserve created at genesis. Rates are decimal
// strings such as "0.08".
type ReserveFile struct {
	Collateral             string `toml:"Collateral"`
	Asset                  string `toml:"Asset"`
	Decimals               uint8  `toml:"Decimals"`
	ReserveFactorBps       uint64 `toml:"ReserveFactorBps"`
	OptimalUtilization     string `toml:"OptimalUtilization"`
	BaseVariableBorrowRate string `toml:"BaseVariableBorrowRate"`
	VariableRateSlope1     string `toml:"VariableRateSlope1"`
	VariableRateSlope2     string `toml:"VariableRateSlope2"`
}

// CollateralFile configures one NFT collection.
type CollateralFile struct {
	Address                 string `toml:"Address"`
	Whitelisted             bool   `toml:"Whitelisted"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
}

// Collateral is the parsed per-collection configuration.
type Collateral struct {
	Whitelisted             bool   `json:"whitelisted"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
}

// Settings is the live pool configuration. Values handed out by Store are
// never mutated.
type Settings struct {
	Treasury          common.Address                `json:"treasury"`
	CollateralManager common.Address                `json:"collateral_manager"`
	AuctionDuration   int64                         `json:"auction_duration"`
	Fees              auction.FeeSchedule           `json:"fees"`
	Collaterals       map[common.Address]Collateral `json:"collaterals"`
}

// GenesisReserve is a reserve to initialize at startup.
type GenesisReserve struct {
	Key    reserve.Key
	Params reserve.Params
}

// Load reads a TOML pool configuration from path.
func Load(path string) (Settings, []GenesisReserve, error) {
	if _, err := os.Stat(path); err != nil {
		return Settings{}, nil, fmt.Errorf("pool config: %w", err)
	}
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Settings{}, nil, fmt.Errorf("decode pool config %s: %w", path, err)
	}
	return f.Parse()
}

// Decode parses a TOML document held in memory.
func Decode(data string) (Settings, []GenesisReserve, error) {
	var f File
	if _, err := toml.Decode(data, &f); err != nil {
		return Settings{}, nil, fmt.Errorf("decode pool config: %w", err)
	}
	return f.Parse()
}

// Parse converts the file form into validated settings and genesis
// reserves.
func (f File) Parse() (Settings, []GenesisReserve, error) {
	s := Settings{
		AuctionDuration: f.AuctionDurationSeconds,
		Fees:            f.Fees,
		Collaterals:     make(map[common.Address]Collateral, len(f.Collaterals)),
	}
	if s.AuctionDuration == 0 {
		s.AuctionDuration = DefaultAuctionDuration
	}
	if s.Fees == (auction.FeeSchedule{}) {
		s.Fees = auction.DefaultFees()
	}

	var err error
	if s.Treasury, err = parseAddress("Treasury", f.Treasury); err != nil {
		return Settings{}, nil, err
	}
	if s.CollateralManager, err = parseAddress("CollateralManager", f.CollateralManager); err != nil {
		return Settings{}, nil, err
	}
	for _, c := range f.Collaterals {
		addr, err := parseAddress("Collaterals.Address", c.Address)
		if err != nil {
			return Settings{}, nil, err
		}
		s.Collaterals[addr] = Collateral{Whitelisted: c.Whitelisted, LiquidationThresholdBps: c.LiquidationThresholdBps}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, nil, err
	}

	reserves := make([]GenesisReserve, 0, len(f.Reserves))
	for i, r := range f.Reserves {
		g, err := r.parse(s.Treasury)
		if err != nil {
			return Settings{}, nil, fmt.Errorf("reserve %d: %w", i, err)
		}
		reserves = append(reserves, g)
	}
	return s, reserves, nil
}

func (r ReserveFile) parse(treasury common.Address) (GenesisReserve, error) {
	collateral, err := parseAddress("Collateral", r.Collateral)
	if err != nil {
		return GenesisReserve{}, err
	}
	asset, err := parseAddress("Asset", r.Asset)
	if err != nil {
		return GenesisReserve{}, err
	}
	strategy, err := ParseStrategy(r.OptimalUtilization, r.BaseVariableBorrowRate, r.VariableRateSlope1, r.VariableRateSlope2)
	if err != nil {
		return GenesisReserve{}, err
	}
	params := reserve.Params{
		Decimals:         r.Decimals,
		ReserveFactorBps: r.ReserveFactorBps,
		Strategy:         strategy,
		Treasury:         treasury,
	}
	if err := params.Validate(); err != nil {
		return GenesisReserve{}, err
	}
	return GenesisReserve{Key: reserve.Key{Collateral: collateral, Asset: asset}, Params: params}, nil
}

// ParseStrategy builds a rate strategy from decimal strings.
func ParseStrategy(optimal, base, slope1, slope2 string) (fpmath.RateStrategy, error) {
	var s fpmath.RateStrategy
	var err error
	if s.OptimalUtilization, err = parseRay("OptimalUtilization", optimal); err != nil {
		return s, err
	}
	if s.BaseVariableBorrowRate, err = parseRay("BaseVariableBorrowRate", base); err != nil {
		return s, err
	}
	if s.VariableRateSlope1, err = parseRay("VariableRateSlope1", slope1); err != nil {
		return s, err
	}
	if s.VariableRateSlope2, err = parseRay("VariableRateSlope2", slope2); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func parseRay(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, errs.Wrapf(errs.ErrInvalidConfig, "%s is required", field)
	}
	v, err := fpmath.ParseRay(value)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrInvalidConfig, "%s: %v", field, err)
	}
	return v, nil
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, errs.Wrapf(errs.ErrInvalidConfig, "%s %q is not an address", field, value)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, errs.Wrapf(errs.ErrInvalidConfig, "%s must not be the zero address", field)
	}
	return addr, nil
}

// Validate checks the pool-wide settings.
func (s Settings) Validate() error {
	if s.Treasury == (common.Address{}) || s.CollateralManager == (common.Address{}) {
		return errs.Wrapf(errs.ErrInvalidConfig, "treasury and collateral manager are required")
	}
	if s.Treasury == s.CollateralManager {
		return errs.Wrapf(errs.ErrInvalidConfig, "treasury and collateral manager must differ")
	}
	if s.AuctionDuration <= 0 {
		return errs.Wrapf(errs.ErrInvalidConfig, "auction duration must be positive")
	}
	if err := s.Fees.Validate(); err != nil {
		return err
	}
	for addr, c := range s.Collaterals {
		if c.LiquidationThresholdBps == 0 {
			return errs.Wrapf(errs.ErrInvalidConfig, "collection %s has no liquidation threshold", addr.Hex())
		}
	}
	return nil
}

// Collateral returns the configuration of a collection; unknown collections
// are not whitelisted.
func (s *Settings) Collateral(addr common.Address) Collateral {
	return s.Collaterals[addr]
}

// CollateralAddresses lists the configured collections in address order.
func (s *Settings) CollateralAddresses() []common.Address {
	out := make([]common.Address, 0, len(s.Collaterals))
	for addr := range s.Collaterals {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	out := *s
	out.Collaterals = make(map[common.Address]Collateral, len(s.Collaterals))
	for k, v := range s.Collaterals {
		out.Collaterals[k] = v
	}
	return &out
}

// Store hands out copy-on-write snapshots of the settings.
type Store struct {
	mu  sync.RWMutex
	cur *Settings
}

func NewStore(s Settings) *Store {
	return &Store{cur: s.Clone()}
}

// Snapshot returns the current settings. Callers must not modify them.
func (st *Store) Snapshot() *Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur
}

// Update applies fn to a copy of the settings and installs it if it
// validates.
func (st *Store) Update(fn func(*Settings) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	st.cur = next
	return nil
}

// Replace installs s unconditionally, as when restoring a snapshot.
func (st *Store) Replace(s Settings) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur = s.Clone()
}
