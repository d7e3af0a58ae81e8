package avalanche

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Function selectors for the contract calls the hub wallet makes. Each is
// the first four bytes of the keccak-256 of the canonical signature.
const (
	selBalanceOf    = "70a08231" // balanceOf(address)
	selAllowance    = "dd62ed3e" // allowance(address,address)
	selApprove      = "095ea7b3" // approve(address,uint256)
	selTransfer     = "a9059cbb" // transfer(address,uint256)
	selTransferFrom = "23b872dd" // transferFrom(address,address,uint256)

	// Aave v3 Pool: supply(address,uint256,address,uint16)
	selAaveSupply = "617ba037"

	// GMX PositionRouter: createIncreasePosition(address[],address,uint256,
	// uint256,uint256,bool,uint256,uint256,bytes32,address)
	selGMXIncrease = "5b88e8c6"

	// ERC-4626 vault: deposit(uint256,address)
	selVaultDeposit = "6e553f65"
)

// encodeCall builds calldata: selector plus 32-byte ABI words.
func encodeCall(selector string, words ...string) string {
	var b strings.Builder
	b.WriteString("0x")
	b.WriteString(selector)
	for _, w := range words {
		b.WriteString(w)
	}
	return b.String()
}

// addrWord left-pads a hex address to a 32-byte ABI word.
func addrWord(addr string) string {
	clean := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	return strings.Repeat("0", 64-len(clean)) + clean
}

// uintWord encodes a non-negative integer as a 32-byte ABI word.
func uintWord(v *big.Int) string {
	h := v.Text(16)
	return strings.Repeat("0", 64-len(h)) + h
}

// boolWord encodes a bool as a 32-byte ABI word.
func boolWord(v bool) string {
	if v {
		return uintWord(big.NewInt(1))
	}
	return uintWord(big.NewInt(0))
}

// hexToBig parses a 0x-prefixed quantity from the node.
func hexToBig(s string) (*big.Int, error) {
	clean := strings.TrimPrefix(s, "0x")
	if clean == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex quantity %q", s)
	}
	return v, nil
}

// bigToHex renders a quantity the way nodes expect: 0x-prefixed, no
// leading zeros.
func bigToHex(v *big.Int) string {
	return "0x" + v.Text(16)
}

// decodeUintResult parses a single-word eth_call return value.
func decodeUintResult(data string) (*big.Int, error) {
	clean := strings.TrimPrefix(data, "0x")
	if clean == "" {
		return big.NewInt(0), nil
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("malformed call result %q", data)
	}
	return new(big.Int).SetBytes(raw), nil
}
