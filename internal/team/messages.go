package team

import (
	"github.com/DoyleJ11/team-progress-backend/internal/engine"
)

// Msg is anything the team actor accepts on its inbox.
type Msg interface{ isTeamMsg() }

// Join registers a connection under ConnectionID, or resumes the session
// that was issued ResumeToken. A connection id is public (it appears in lease
// changes), so it never grants a resume by itself; a new connection whose id
// is already taken gets a fresh one. The Welcome reports the id and token in
// effect.
//
// The first update on Outbox is a Welcome; if the team cannot serve the
// connection the outbox is closed instead (retry against a fresh team) or a
// Rejected is sent first (give up).
type Join struct {
	ConnectionID string
	ResumeToken  string
	PlayerID     string
	// LastKnownVersion is nil when the client has no state; the last ack of a
	// resumed connection is used in that case.
	LastKnownVersion *int64
	Outbox           chan Update
}

type Leave struct {
	ConnectionID string
	Outbox       chan Update // must match the outbox the connection joined with
}

type FromClient struct {
	ConnectionID string
	CommandID    string
	Cmd          engine.Command
}

type Ack struct {
	ConnectionID string
	Version      int64
}

type GetView struct {
	Reply chan View
}

type Shutdown struct{}

type graceExpired struct {
	connectionID string
	gen          uint64
}

func (Join) isTeamMsg()         {}
func (Leave) isTeamMsg()        {}
func (FromClient) isTeamMsg()   {}
func (Ack) isTeamMsg()          {}
func (GetView) isTeamMsg()      {}
func (Shutdown) isTeamMsg()     {}
func (graceExpired) isTeamMsg() {}

// View is a read-only copy of the team for HTTP reads and tests.
type View struct {
	TeamID      string
	State       engine.State
	Connections int // attached outboxes
	Sessions    int // attached plus within disconnect grace
	Suspended   bool
	LoadFailed  bool
	LogLen      int
}

// Update is anything the team pushes to a connection's outbox.
type Update interface{ isUpdate() }

type Welcome struct {
	TeamID       string
	ConnectionID string
	ResumeToken  string
}

type Snapshot struct {
	State engine.State
}

type Delta struct {
	engine.Delta
}

type Accepted struct {
	CommandID string
	Version   int64
}

type Rejected struct {
	CommandID string
	Kind      engine.ErrorKind
	Message   string
}

func (Welcome) isUpdate()  {}
func (Snapshot) isUpdate() {}
func (Delta) isUpdate()    {}
func (Accepted) isUpdate() {}
func (Rejected) isUpdate() {}
