package chat

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/crypto/blake2b"
)

// NormalizeParticipants returns the sorted, de-duplicated set of user ids.
func NormalizeParticipants(userIDs []string) []string {
	ids := lo.Uniq(lo.Compact(userIDs))
	sort.Strings(ids)
	return ids
}

// ParticipantsHash digests the normalized participant set, so the same
// membership always hashes to the same value regardless of input order.
func ParticipantsHash(userIDs []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(NormalizeParticipants(userIDs), "\x00")))
	return hex.EncodeToString(sum[:])
}
