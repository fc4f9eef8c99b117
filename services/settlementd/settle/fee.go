package settle

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BasisPointsDenominator is the fee denominator.
const BasisPointsDenominator = 10_000

// ComputeFee splits a balance into the retained fee, floor(balance*bps/10000),
// and the amount sent to the counterparty. The intermediate product is held in
// 256 bits so large balances cannot overflow.
func ComputeFee(balance uint64, bps uint32) (fee, send uint64, err error) {
	if bps > BasisPointsDenominator {
		return 0, 0, fmt.Errorf("settle: fee basis points %d exceed %d", bps, BasisPointsDenominator)
	}
	product := new(uint256.Int).Mul(uint256.NewInt(balance), uint256.NewInt(uint64(bps)))
	quotient := new(uint256.Int).Div(product, uint256.NewInt(BasisPointsDenominator))
	fee = quotient.Uint64()
	return fee, balance - fee, nil
}
