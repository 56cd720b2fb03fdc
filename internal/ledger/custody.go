package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CustodyMove records one NFT changing hands.
type CustodyMove struct {
	MoveID     uuid.UUID
	EventRef   string
	Sequence   int64
	Collection common.Address
	TokenID    *big.Int
	From       common.Address
	To         common.Address
	Timestamp  int64
}

// TokenOwnership is one row of the custody registry.
type TokenOwnership struct {
	Collection common.Address `json:"collection"`
	TokenID    *big.Int       `json:"token_id"`
	Owner      common.Address `json:"owner"`
}

type tokenKey struct {
	collection common.Address
	tokenID    string
}

// Custody is the non-fungible ledger: it knows the owner of every NFT
// bridged into the service. ExternalOwner stands for "outside".
type Custody struct {
	owners   map[tokenKey]common.Address
	moves    []CustodyMove
	eventRef string
	sequence int64
	ts       int64
}

func NewCustody() *Custody {
	return &Custody{owners: make(map[tokenKey]common.Address)}
}

func keyOf(collection common.Address, tokenID *big.Int) tokenKey {
	return tokenKey{collection: collection, tokenID: tokenID.String()}
}

// OwnerOf returns the current holder of the token.
func (c *Custody) OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error) {
	owner, ok := c.owners[keyOf(collection, tokenID)]
	if !ok {
		return common.Address{}, fmt.Errorf("token %s of %s is not in custody", tokenID, collection.Hex())
	}
	return owner, nil
}

// TransferFrom moves the token from its current owner. from == ExternalOwner
// brings a token in; to == ExternalOwner sends it out.
func (c *Custody) TransferFrom(collection, from, to common.Address, tokenID *big.Int) error {
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("invalid token id")
	}
	if from == to {
		return fmt.Errorf("token %s of %s: self transfer", tokenID, collection.Hex())
	}
	key := keyOf(collection, tokenID)
	owner, held := c.owners[key]
	switch {
	case from == ExternalOwner && held:
		return fmt.Errorf("token %s of %s is already in custody", tokenID, collection.Hex())
	case from != ExternalOwner && (!held || owner != from):
		return fmt.Errorf("token %s of %s is not owned by %s", tokenID, collection.Hex(), from.Hex())
	}

	if to == ExternalOwner {
		delete(c.owners, key)
	} else {
		c.owners[key] = to
	}
	c.moves = append(c.moves, CustodyMove{
		MoveID:     uuid.NewSHA1(BatchID(c.eventRef), []byte(fmt.Sprintf("custody:%d", len(c.moves)))),
		EventRef:   c.eventRef,
		Sequence:   c.sequence,
		Collection: collection,
		TokenID:    new(big.Int).Set(tokenID),
		From:       from,
		To:         to,
		Timestamp:  c.ts,
	})
	return nil
}

// BeginBatch starts collecting moves for one command.
func (c *Custody) BeginBatch(eventRef string, sequence, timestamp int64) {
	c.eventRef, c.sequence, c.ts = eventRef, sequence, timestamp
	c.moves = nil
}

// TakeMoves returns the moves collected since BeginBatch.
func (c *Custody) TakeMoves() []CustodyMove {
	moves := c.moves
	c.moves = nil
	return moves
}

// Export lists every held token ordered by collection and id.
func (c *Custody) Export() []TokenOwnership {
	out := make([]TokenOwnership, 0, len(c.owners))
	for k, owner := range c.owners {
		id, _ := new(big.Int).SetString(k.tokenID, 10)
		out = append(out, TokenOwnership{Collection: k.collection, TokenID: id, Owner: owner})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection.Cmp(out[j].Collection) < 0
		}
		return out[i].TokenID.Cmp(out[j].TokenID) < 0
	})
	return out
}

// Restore replaces the registry contents.
func (c *Custody) Restore(rows []TokenOwnership) {
	c.owners = make(map[tokenKey]common.Address, len(rows))
	for _, r := range rows {
		c.owners[keyOf(r.Collection, r.TokenID)] = r.Owner
	}
	c.moves = nil
}
