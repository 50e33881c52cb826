package staking

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/holiman/uint256"
)

// ProposerSeed is sha256(height || round), both big endian.
func ProposerSeed(height uint64, round uint32) *uint256.Int {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint32(buf[8:], round)
	sum := sha256.Sum256(buf)
	return new(uint256.Int).SetBytes(sum[:])
}

// SelectProposer picks the validator for (height, round) by walking cumulative voting power
// over the sorted addresses. Returns "" for an empty snapshot.
func SelectProposer(snap *Snapshot, height uint64, round uint32) string {
	if snap == nil || snap.Len() == 0 {
		return ""
	}
	total := snap.VotingTotal()
	target := new(uint256.Int).Mod(ProposerSeed(height, round), total)

	cumulative := uint256.NewInt(0)
	for _, addr := range snap.addresses {
		cumulative.Add(cumulative, snap.VotingPower(addr))
		if cumulative.Gt(target) {
			return addr
		}
	}
	// unreachable while total > target
	return snap.addresses[0]
}
