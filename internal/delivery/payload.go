package delivery

import (
	"encoding/json"
	"strings"

	"github.com/lalithlochan/courier/internal/db"
)

// decodePayload unmarshals the notification payload into dst. A missing or
// malformed payload cannot be fixed by retrying.
func decodePayload(notif *db.Notification, dst any) error {
	if len(notif.Payload) == 0 {
		return Permanentf("%s notification has no payload", notif.Channel)
	}
	if err := json.Unmarshal(notif.Payload, dst); err != nil {
		return Permanentf("invalid %s payload: %w", notif.Channel, err)
	}
	return nil
}

// messageText renders title and body as a single plain text message.
func messageText(notif *db.Notification) string {
	title := strings.TrimSpace(notif.Title)
	if title == "" {
		return notif.Body
	}
	return title + "\n\n" + notif.Body
}
