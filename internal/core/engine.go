package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"NFTLend/internal/config"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/observability"
	"NFTLend/internal/oracle"
	"NFTLend/internal/pool"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// invariantCheckInterval is how often (in sequences) the global zero-sum
// check runs.
const invariantCheckInterval = 1000

// Engine is the single-threaded command processor. It owns the pool, the
// custodial ledgers and the oracle feed, assigns the global sequence and
// chains state hashes.
type Engine struct {
	sequence          int64
	clock             int64
	hasher            *StateHasher
	book              *ledger.Book
	custody           *ledger.Custody
	validator         *ledger.InvariantValidator
	feed              *oracle.Feed
	settings          *config.Store
	pool              *pool.Pool
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything one command produced.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	// Batch and Moves are nil for rejected commands.
	Batch   *ledger.Batch
	Moves   []ledger.CustodyMove
	Outcome interface{}
	// StateDelta is the digest that was hashed into the envelope.
	StateDelta []byte
}

// Result is returned to the submitter of a command.
type Result struct {
	Envelope *event.EventEnvelope
	Outcome  interface{}
	// Err is the domain error of a rejected command. The envelope is still
	// logged.
	Err error
	// Duplicate is set when the idempotency key was already processed.
	Duplicate bool
}

// Options configures a new engine.
type Options struct {
	Settings       config.Settings
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	LRUCapacity    int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

func NewEngine(opts Options) *Engine {
	tracker := ledger.NewBalanceTracker()
	book := ledger.NewBook(tracker)
	custody := ledger.NewCustody()
	feed := oracle.NewFeed()
	settings := config.NewStore(opts.Settings)

	e := &Engine{
		hasher:            NewStateHasher(),
		book:              book,
		custody:           custody,
		validator:         ledger.NewInvariantValidator(tracker),
		feed:              feed,
		settings:          settings,
		pool:              pool.New(settings, book, custody, feed, opts.Logger.With().Str("component", "pool").Logger()),
		idempotency:       NewIdempotencyChecker(opts.LRUCapacity, opts.DBChecker, opts.Metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		log:               opts.Logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
	e.registerSystemAccounts()
	return e
}

func (e *Engine) registerSystemAccounts() {
	s := e.settings.Snapshot()
	e.book.RegisterSystemAccount(s.Treasury, "treasury")
	e.book.RegisterSystemAccount(s.CollateralManager, "collateral_manager")
	for _, key := range e.pool.ReserveKeys() {
		e.book.RegisterSystemAccount(key.Account(), "reserve:"+key.String())
	}
}

// Request carries a command into Run and the result back. Exec, when set,
// runs on the engine goroutine instead of a command; snapshots use it.
type Request struct {
	Command event.Command
	Exec    func(e *Engine) error
	Reply   chan<- Reply
}

// Reply answers a Request.
type Reply struct {
	Result Result
	Err    error
}

// Run processes requests until ctx is done. It is the only goroutine that
// may call Process once the service is up.
func (e *Engine) Run(ctx context.Context, in <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-in:
			var res Result
			var err error
			if req.Exec != nil {
				err = req.Exec(e)
			} else {
				res, err = e.Process(req.Command)
			}
			if req.Reply != nil {
				req.Reply <- Reply{Result: res, Err: err}
			}
		}
	}
}

// Process runs one command through the pipeline: dedup, ordering, logical
// clock, dispatch, digest, hash, emit. Rejected commands get an envelope
// with Rejected set. The returned error covers only commands that were not
// logged at all (malformed or out of order).
func (e *Engine) Process(cmd event.Command) (Result, error) {
	return e.apply(cmd, true)
}

func (e *Engine) apply(cmd event.Command, emit bool) (Result, error) {
	start := time.Now()
	eventType := cmd.EventType().String()
	idempotencyKey := cmd.IdempotencyKey()
	if idempotencyKey == "" || idempotencyKey == uuid.Nil.String() {
		return Result{}, errs.Wrapf(errs.ErrInvalidCommand, "%s without idempotency key", eventType)
	}

	// Step 1: Idempotency check (two-tier)
	var isDuplicate bool
	if emit {
		isDuplicate = e.idempotency.IsDuplicate(eventType, idempotencyKey)
	} else {
		isDuplicate = e.idempotency.SeenInMemory(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation. Oracle feeds tolerate gaps; API commands
	// carry no upstream sequence.
	source := cmd.Source()
	stale := false
	if pu, ok := cmd.(priceUpdate); ok {
		if !isDuplicate {
			stale = !e.sequenceValidator.ValidatePriceSequence(pu.Feed(), cmd.SourceSequence())
		}
	} else if source != event.SourceAPI {
		if err := e.sequenceValidator.ValidateSequence(source, cmd.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			e.reject(eventType, "ordering")
			return Result{}, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		e.reject(eventType, "duplicate")
		return Result{Duplicate: true}, nil
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	// Step 3: Logical clock and dispatch
	now := e.advanceClock(cmd.OccurredAt())
	micros := now * int64(time.Second/time.Microsecond)
	e.book.BeginBatch(idempotencyKey, e.sequence, micros)
	e.custody.BeginBatch(idempotencyKey, e.sequence, micros)

	outcome, opErr := e.dispatch(cmd, now, stale)

	batch := e.book.TakeBatch()
	moves := e.custody.TakeMoves()
	var outcomeBytes []byte
	errorCode := ""
	if opErr != nil {
		// the pool already reversed its transfers; the journals net to zero
		batch, moves, outcome = nil, nil, nil
		errorCode = errs.CodeOf(opErr)
	} else {
		if batch != nil {
			if err := e.validator.ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}
		}
		outcomeBytes, err = json.Marshal(outcome)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode %s outcome after apply: %v", eventType, err))
		}
	}

	// Step 4: Digest and hash chain
	hashStart := time.Now()
	stateDigest := e.computeStateDigest(batch, moves, outcomeBytes, errorCode)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      cmd.EventType(),
		Source:         source,
		ReserveKey:     event.ReserveOf(cmd),
		Timestamp:      time.Unix(now, 0).UTC(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		Outcome:        outcomeBytes,
		Rejected:       opErr != nil,
		ErrorCode:      errorCode,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 5: Post-checks
	if err := e.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: Emit
	if emit {
		e.emit(CoreOutput{
			Envelope:   envelope,
			Batch:      batch,
			Moves:      moves,
			Outcome:    outcome,
			StateDelta: stateDigest,
		})
	}

	// Step 7: Mark as processed (add to LRU)
	e.idempotency.MarkProcessed(eventType, idempotencyKey)
	e.sequence++

	if opErr != nil {
		e.log.Info().
			Int64("sequence", envelope.Sequence).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Str("code", errorCode).
			Str("kind", errs.KindOf(opErr).String()).
			Err(opErr).
			Msg("command rejected")
		e.reject(eventType, errorCode)
		e.recordOperation(eventType, "rejected")
		return Result{Envelope: envelope, Err: opErr}, nil
	}

	e.record(eventType, start, batch, outcome)
	return Result{Envelope: envelope, Outcome: outcome}, nil
}

type priceUpdate interface {
	Feed() string
}

// advanceClock moves the logical clock to the command timestamp. The clock
// never goes backwards, so reserves never see a timestamp regression.
func (e *Engine) advanceClock(at time.Time) int64 {
	if !at.IsZero() {
		if ts := at.Unix(); ts > e.clock {
			e.clock = ts
		}
	}
	return e.clock
}

func (e *Engine) dispatch(cmd event.Command, now int64, stale bool) (interface{}, error) {
	switch c := cmd.(type) {
	case *event.Deposit:
		return e.pool.Deposit(now, c)
	case *event.Withdraw:
		return e.pool.Withdraw(now, c)
	case *event.Borrow:
		return e.pool.Borrow(now, c)
	case *event.BatchBorrow:
		return e.pool.BatchBorrow(now, c)
	case *event.Repay:
		return e.pool.Repay(now, c)
	case *event.Bid:
		return e.pool.Bid(now, c)
	case *event.Redeem:
		return e.pool.Redeem(now, c)
	case *event.Liquidate:
		return e.pool.Liquidate(now, c)
	case *event.InitReserve:
		out, err := e.pool.InitReserve(now, c)
		if err != nil {
			return nil, err
		}
		key := c.ReserveKey()
		e.book.RegisterSystemAccount(key.Account(), "reserve:"+key.String())
		return out, nil
	case *event.SetInterestRateStrategy:
		return e.pool.SetInterestRateStrategy(now, c)
	case *event.SetLiquidationThreshold:
		return e.pool.SetLiquidationThreshold(now, c)
	case *event.SetAuctionDuration:
		return e.pool.SetAuctionDuration(now, c)
	case *event.UpdateWhitelist:
		return e.pool.UpdateWhitelist(now, c)
	case *event.AssetPriceUpdate:
		return e.handlePrice(c.Feed(), c.Price, c.Sequence, now, stale, func(p oracle.Price) bool {
			return e.feed.SetAssetPrice(c.Asset, p)
		})
	case *event.FloorPriceUpdate:
		return e.handlePrice(c.Feed(), c.Price, c.Sequence, now, stale, func(p oracle.Price) bool {
			return e.feed.SetFloorPrice(c.Collection, p)
		})
	case *event.AssetTransfer:
		return e.handleAssetTransfer(c)
	case *event.CollateralTransfer:
		return e.handleCollateralTransfer(c)
	default:
		return nil, errs.Wrapf(errs.ErrInvalidCommand, "unknown command %T", cmd)
	}
}

// handlePrice applies an oracle update. Stale updates are logged with
// Applied=false and change nothing.
func (e *Engine) handlePrice(feed string, price *big.Int, seq, now int64, stale bool, set func(oracle.Price) bool) (*event.PriceUpdated, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, errs.Wrapf(errs.ErrInvalidAmount, "price on %s must be positive", feed)
	}
	out := &event.PriceUpdated{Feed: feed, Price: new(big.Int).Set(price), Sequence: seq}
	if !stale {
		out.Applied = set(oracle.Price{Value: price, Sequence: seq, UpdatedAt: now})
	}
	if !out.Applied && e.metrics != nil {
		e.metrics.OracleStaleUpdates.WithLabelValues(feed).Inc()
	}
	return out, nil
}

// handleAssetTransfer moves a fungible asset across the service boundary.
// System accounts can not be bridged.
func (e *Engine) handleAssetTransfer(c *event.AssetTransfer) (*event.AssetBridged, error) {
	if !c.Direction.Valid() {
		return nil, errs.Wrapf(errs.ErrInvalidCommand, "direction %q", c.Direction)
	}
	if c.Account == ledger.ExternalOwner || c.Asset == ledger.ExternalOwner {
		return nil, errs.Wrapf(errs.ErrInvalidAddress, "asset and account are required")
	}
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	if label, ok := e.book.SystemLabel(c.Account); ok {
		return nil, errs.Wrapf(errs.ErrInvalidCommand, "account %s is the %s account", c.Account.Hex(), label)
	}

	t := ledger.Transfer{Asset: c.Asset, From: ledger.ExternalOwner, To: c.Account, Amount: c.Amount, Kind: ledger.JournalTypeBridgeIn}
	if c.Direction == event.DirectionOut {
		if bal := e.book.BalanceOf(c.Asset, c.Account); bal.Cmp(c.Amount) < 0 {
			return nil, errs.Wrapf(errs.ErrInsufficientBalance, "balance %s below %s", bal, c.Amount)
		}
		t.From, t.To, t.Kind = c.Account, ledger.ExternalOwner, ledger.JournalTypeBridgeOut
	}
	if err := e.book.Transfer(t); err != nil {
		return nil, errs.Transfer(err)
	}
	return &event.AssetBridged{
		Asset:     c.Asset,
		Account:   c.Account,
		Amount:    new(big.Int).Set(c.Amount),
		Direction: c.Direction,
		Balance:   e.book.BalanceOf(c.Asset, c.Account),
	}, nil
}

// handleCollateralTransfer brings an NFT into custody or releases one.
// Escrowed NFTs belong to the collateral manager and can not be released.
func (e *Engine) handleCollateralTransfer(c *event.CollateralTransfer) (*event.CollateralBridged, error) {
	if !c.Direction.Valid() {
		return nil, errs.Wrapf(errs.ErrInvalidCommand, "direction %q", c.Direction)
	}
	if c.Account == ledger.ExternalOwner || c.Collection == ledger.ExternalOwner {
		return nil, errs.Wrapf(errs.ErrInvalidAddress, "collection and account are required")
	}
	if c.TokenID == nil || c.TokenID.Sign() < 0 {
		return nil, errs.Wrapf(errs.ErrInvalidCommand, "token id is required")
	}
	if label, ok := e.book.SystemLabel(c.Account); ok {
		return nil, errs.Wrapf(errs.ErrInvalidCommand, "account %s is the %s account", c.Account.Hex(), label)
	}

	from, to := ledger.ExternalOwner, c.Account
	if c.Direction == event.DirectionOut {
		from, to = c.Account, ledger.ExternalOwner
	}
	if err := e.custody.TransferFrom(c.Collection, from, to, c.TokenID); err != nil {
		return nil, errs.Transfer(err)
	}
	return &event.CollateralBridged{
		Collection: c.Collection,
		TokenID:    new(big.Int).Set(c.TokenID),
		Account:    c.Account,
		Direction:  c.Direction,
	}, nil
}

// computeStateDigest creates canonical bytes for the state hash: every
// touched account with its new balance, every custody move, then the
// encoded domain event or the rejection code.
func (e *Engine) computeStateDigest(batch *ledger.Batch, moves []ledger.CustodyMove, outcome []byte, errorCode string) []byte {
	// Collect all affected accounts
	affectedAccounts := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+len(moves)*96+len(outcome)+len(errorCode))

	for _, key := range accounts {
		digest = appendBytes(digest, []byte(key.AccountPath()))
		digest = appendBigInt(digest, e.book.Tracker().GetBalance(key))
	}

	for _, m := range moves {
		digest = append(digest, m.Collection.Bytes()...)
		digest = appendBigInt(digest, m.TokenID)
		digest = append(digest, m.To.Bytes()...)
	}

	digest = appendBytes(digest, outcome)
	digest = appendBytes(digest, []byte(errorCode))
	return digest
}

// appendBytes writes a 4-byte little-endian length and then b.
func appendBytes(buf, b []byte) []byte {
	n := uint32(len(b))
	buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	return append(buf, b...)
}

// appendBigInt writes a sign byte and the big-endian magnitude.
func appendBigInt(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	buf = append(buf, sign)
	return appendBytes(buf, v.Bytes())
}

// postCheckInvariants runs the periodic zero-sum check on the asset book.
func (e *Engine) postCheckInvariants() error {
	if e.sequence == 0 || e.sequence%invariantCheckInterval != 0 {
		return nil
	}
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("global balance: %w (at seq %d)", err, e.sequence)
	}
	if err := e.validator.ValidateInternalNonNegative(); err != nil {
		return fmt.Errorf("non-negative: %w (at seq %d)", err, e.sequence)
	}
	return nil
}

// emit hands the output to persistence (blocking: the core stalls until the
// worker drains, so nothing is lost) and to projections (non-blocking:
// dropped outputs are recovered by a rebuild).
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		if e.metrics != nil && len(e.persistChan) == cap(e.persistChan) {
			e.metrics.PersistBackpressure.Inc()
		}
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}
}

func (e *Engine) reject(eventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (e *Engine) recordOperation(eventType, result string) {
	if e.metrics != nil {
		e.metrics.PoolOperations.WithLabelValues(eventType, result).Inc()
	}
}

func (e *Engine) record(eventType string, start time.Time, batch *ledger.Batch, outcome interface{}) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	m.CoreEventsApplied.WithLabelValues(eventType).Inc()
	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(e.sequence))
	m.PoolOperations.WithLabelValues(eventType, "ok").Inc()
	if batch != nil {
		for _, j := range batch.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	for _, snap := range event.Reserves(outcome) {
		name := snap.Key().String()
		m.ReserveLiquidityIndex.WithLabelValues(name).Set(rayFloat(snap.LiquidityIndex))
		m.ReserveBorrowIndex.WithLabelValues(name).Set(rayFloat(snap.VariableBorrowIndex))
		m.ReserveBorrowRate.WithLabelValues(name).Set(rayFloat(snap.VariableBorrowRate))
		total := new(big.Int).Add(snap.TotalDebt, e.book.BalanceOf(snap.Asset, snap.Key().Account()))
		if total.Sign() > 0 {
			m.ReserveUtilization.WithLabelValues(name).Set(rayFloat(fpmath.Utilization(snap.TotalDebt, new(big.Int).Sub(total, snap.TotalDebt))))
		}
	}

	switch o := outcome.(type) {
	case *event.BidPlaced:
		m.BidsPlaced.WithLabelValues(o.Reserve.Key().String()).Inc()
		m.ActiveAuctions.Set(float64(e.pool.CountAuctions()))
	case *event.Redeemed:
		m.ActiveAuctions.Set(float64(e.pool.CountAuctions()))
	case *event.Liquidated:
		name := o.Reserve.Key().String()
		m.Liquidations.WithLabelValues(name).Inc()
		m.ActiveAuctions.Set(float64(e.pool.CountAuctions()))
		if o.BadDebt.Sign() > 0 {
			f, _ := new(big.Float).SetInt(o.BadDebt).Float64()
			m.BadDebt.WithLabelValues(name).Add(f)
		}
	}
}

func rayFloat(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(fpmath.Ray)).Float64()
	return f
}

// Bootstrap initializes the genesis reserves on a cold start. The commands
// go through the normal pipeline under the "genesis" source so the log
// replays them.
func (e *Engine) Bootstrap(reserves []config.GenesisReserve, at time.Time) error {
	for i, g := range reserves {
		cmd := &event.InitReserve{
			Header: event.Header{
				RequestID: uuid.NewSHA1(uuid.NameSpaceOID, []byte("nftlend:genesis:"+g.Key.String())),
				Origin:    GenesisSource,
				Sequence:  int64(i),
				Timestamp: at,
			},
			Collateral:       g.Key.Collateral,
			Asset:            g.Key.Asset,
			Decimals:         g.Params.Decimals,
			ReserveFactorBps: g.Params.ReserveFactorBps,
			Strategy:         g.Params.Strategy,
		}
		res, err := e.Process(cmd)
		if err != nil {
			return fmt.Errorf("genesis reserve %s: %w", g.Key, err)
		}
		if res.Err != nil {
			return fmt.Errorf("genesis reserve %s: %w", g.Key, res.Err)
		}
	}
	return nil
}

// GenesisSource is the source of commands created by Bootstrap.
const GenesisSource = "genesis"

// Replay re-applies a logged envelope and verifies it reproduces the logged
// state hash. Nothing is emitted.
func (e *Engine) Replay(env *event.EventEnvelope) error {
	if env.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	cmd, err := event.DecodeCommand(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	res, err := e.apply(cmd, false)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if res.Duplicate {
		return fmt.Errorf("replay seq %d: duplicate idempotency key %s", env.Sequence, env.IdempotencyKey)
	}
	if res.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: computed %x, logged %x",
			env.Sequence, res.Envelope.StateHash, env.StateHash)
	}
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// Pool exposes the pool for read-only queries. Reads take the pool lock.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Book exposes the asset ledger for balance reads.
func (e *Engine) Book() *ledger.Book { return e.book }

// Custody exposes the NFT owner registry.
func (e *Engine) Custody() *ledger.Custody { return e.custody }

// Feed exposes the oracle.
func (e *Engine) Feed() *oracle.Feed { return e.feed }

// GetSequence returns the next global sequence number.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}
