package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/slots"
)

// MaxApproval is type(uint256).max.
var MaxApproval = new(uint256.Int).SetAllOne()

// Fund overrides holder's token balance.
func Fund(db *fork.Database, tok registry.Token, holder common.Address, amount *uint256.Int) {
	db.InsertAccountStorage(tok.Address, slots.SimpleMappingSlot(holder, tok.BalanceSlot), common.Hash(amount.Bytes32()))
}

// Approve overrides allowance(owner, spender).
func Approve(db *fork.Database, tok registry.Token, owner, spender common.Address, amount *uint256.Int) {
	db.InsertAccountStorage(tok.Address, slots.NestedMappingSlot(owner, spender, tok.AllowanceSlot), common.Hash(amount.Bytes32()))
}

// FundEther overrides holder's ether balance, keeping nonce and code.
func FundEther(ctx context.Context, db *fork.Database, holder common.Address, amount *uint256.Int) error {
	acct, err := db.Account(ctx, holder)
	if err != nil {
		return err
	}
	acct.Balance = new(uint256.Int).Set(amount)
	db.InsertAccountInfo(holder, acct)
	return nil
}
