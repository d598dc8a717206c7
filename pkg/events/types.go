package events

import (
	"fmt"

	"github.com/pnwsync/pnwsync/pkg/models"
)

// AccountDiscordIDUpdate fires when an account event changes the discord id
// stored on a nation.
const AccountDiscordIDUpdate = "account_discord_id_update"

// RecordEvent names a whole-record event, e.g. "nation_create".
func RecordEvent(kind models.Kind, event models.EventKind) string {
	return fmt.Sprintf("%s_%s", kind, event)
}

// FieldUpdateEvent names a per-field update event, e.g. "nation_score_update".
func FieldUpdateEvent(kind models.Kind, field string) string {
	return fmt.Sprintf("%s_%s_update", kind, field)
}

// Change is the payload of a per-field update event. Before is the stored
// row prior to the update.
type Change struct {
	Kind   models.Kind
	Field  string
	Before models.Record
	Old    any
	New    any
}

// DiscordIDChange is the payload of AccountDiscordIDUpdate. NationBefore is
// the nation row prior to the overlay.
type DiscordIDChange struct {
	NationBefore *models.Nation
	Old          models.NullID
	New          models.NullID
}
