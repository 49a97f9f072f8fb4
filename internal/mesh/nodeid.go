// ABOUTME: Node id conversions between the textual "!hex" form and the
// ABOUTME: radio's numeric node numbers.

package mesh

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastNum is the radio's all-nodes address.
const BroadcastNum = 0xFFFFFFFF

// NodeNum converts a textual node id ("!a1b2c3d4", a bare decimal, or
// the broadcast sentinel) to the radio's numeric address.
func NodeNum(id string) (uint32, error) {
	switch NormalizeRecipient(id) {
	case Broadcast:
		return BroadcastNum, nil
	}
	if strings.HasPrefix(id, "!") {
		n, err := strconv.ParseUint(id[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("node id %q: %w", id, err)
		}
		return uint32(n), nil
	}
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("node id %q: %w", id, err)
	}
	return uint32(n), nil
}

// NodeID renders a numeric node address in the textual "!hex" form.
func NodeID(num uint32) string {
	if num == BroadcastNum {
		return Broadcast
	}
	return fmt.Sprintf("!%08x", num)
}
