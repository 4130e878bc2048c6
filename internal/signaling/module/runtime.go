package module

import (
	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"go.uber.org/zap"
)

// Runtime is the fixed set of collaborators every module gets access to.
// It carries no per-event data (that lives on Event) so a module can stash
// a *Runtime safely across calls without it going stale mid-connection,
// except for Room which is updated in place if the participant changes
// rooms (e.g. entering a breakout).
type Runtime struct {
	Room        ids.SignalingRoomId
	Participant ids.ParticipantId
	UserID      ids.UserId

	Store *roomstore.Store
	Bus   *bus.Service
	Log   *zap.Logger
}
