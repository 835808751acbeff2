package session

import (
	"github.com/oklog/ulid/v2"

	"github.com/PabloGalante/parley/internal/domain"
)

// Server-side ids are ULIDs: sortable, so id order matches timeline
// order in the stores.

func newSessionID() domain.SessionID {
	return domain.SessionID(ulid.Make().String())
}

func newMessageID() domain.MessageID {
	return domain.MessageID(ulid.Make().String())
}
