package publisher

import (
	"encoding/json"

	"github.com/pearl-OS/messaging/internal/v1/types"
)

// bareConfirmationID extracts the messageId from a minimal confirmation
// payload that is not a full envelope.
func bareConfirmationID(payload string) string {
	var conf types.Confirmation
	if err := json.Unmarshal([]byte(payload), &conf); err != nil {
		return ""
	}
	return conf.MessageID
}
