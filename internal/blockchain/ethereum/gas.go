package ethereum

const (
	// StandardTokenCost is the pre-Pectra gas cost of one calldata token.
	StandardTokenCost uint64 = 4
	// TotalCostFloorPerToken is the EIP-7623 calldata floor per token.
	TotalCostFloorPerToken uint64 = 10

	nonZeroByteMultiplier uint64 = 4
)

// TokensInCalldata counts calldata tokens: one per zero byte, four per
// non-zero byte.
func TokensInCalldata(data []byte) uint64 {
	var zero, nonZero uint64
	for _, b := range data {
		if b == 0 {
			zero++
		} else {
			nonZero++
		}
	}
	return zero + nonZero*nonZeroByteMultiplier
}

// LegacyCalldataGas is the calldata cost before EIP-7623 (4 per zero byte, 16 per non-zero byte).
func LegacyCalldataGas(data []byte) uint64 {
	return StandardTokenCost * TokensInCalldata(data)
}

// EIP7623CalldataGas is the calldata cost under the EIP-7623 floor.
func EIP7623CalldataGas(data []byte) uint64 {
	return TotalCostFloorPerToken * TokensInCalldata(data)
}
