package idgen

import (
	"database/sql"
	"fmt"
	"regexp"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_.:-]*[A-Za-z0-9])?$`)

// ValidateClientID checks an id supplied by a caller (message or context id).
// Rules: letters, digits, dash, underscore, dot, colon; must start and end
// with a letter or digit; max 128 characters.
func ValidateClientID(id string) error {
	if len(id) > 128 {
		return fmt.Errorf("id too long (max 128 characters)")
	}
	if !clientIDPattern.MatchString(id) {
		return fmt.Errorf("id %q is invalid: must match %s", id, clientIDPattern.String())
	}
	return nil
}

// ConversationName generates a default name like "Conversation 1",
// "Conversation 2". It queries the database for the highest existing sequence
// number among default-named conversations and returns the next one.
func ConversationName(db *sql.DB) string {
	var maxN sql.NullInt64
	// SUBSTR offset is 1-based: skip "Conversation " (13 chars + 1)
	err := db.QueryRow(
		`SELECT MAX(CAST(SUBSTR(name, 14) AS INTEGER)) FROM conversations WHERE name LIKE 'Conversation %'`,
	).Scan(&maxN)
	if err != nil || !maxN.Valid {
		return "Conversation 1"
	}
	return fmt.Sprintf("Conversation %d", maxN.Int64+1)
}
