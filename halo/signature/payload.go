package signature

import (
	"strconv"
	"strings"

	"halo-indexer/halo/types"
)

const (
	MessagePrefix  = "HALO_POST"
	MessageVersion = "v1"
	messageSep     = "|"
)

// CanonicalMessage is the string a wallet signs for a post submission.
// Field order is fixed; any change requires a new MessageVersion.
func CanonicalMessage(content string, timestamp int64, userAddress, bundleID string) string {
	var sb strings.Builder
	sb.WriteString(MessagePrefix)
	sb.WriteString(messageSep)
	sb.WriteString(types.ContentHash(content))
	sb.WriteString(messageSep)
	sb.WriteString(strconv.FormatInt(timestamp, 10))
	sb.WriteString(messageSep)
	sb.WriteString(userAddress)
	sb.WriteString(messageSep)
	sb.WriteString(bundleID)
	sb.WriteString(messageSep)
	sb.WriteString(MessageVersion)
	return sb.String()
}
