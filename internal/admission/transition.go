package admission

// State is the admission state of one (user, chat) pair. It is derived from the record store:
// a stored record means StateVerified.
type State int

const (
	StateUnverified State = iota
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateVerified:
		return "verified"
	default:
		return "unverified"
	}
}

// Input is one of VerificationSucceeded, JoinRequested, MembershipGranted, Unlinked.
type Input interface{ input() }

type VerificationSucceeded struct{}
type JoinRequested struct{}
type MembershipGranted struct{}
type Unlinked struct{}

func (VerificationSucceeded) input() {}
func (JoinRequested) input()         {}
func (MembershipGranted) input()     {}
func (Unlinked) input()              {}

// Action is a side effect the gate performs, in order, after a transition.
type Action interface{ action() }

type CreateInvite struct{}
type UpsertRecord struct{}
type SendInvite struct{}
type ApproveJoin struct{}
type NotifyApproved struct{}
type DeleteRecord struct{}

func (CreateInvite) action()   {}
func (UpsertRecord) action()   {}
func (SendInvite) action()     {}
func (ApproveJoin) action()    {}
func (NotifyApproved) action() {}
func (DeleteRecord) action()   {}

// Transition is the admission state machine. It is pure; all effects are returned as actions.
//
// Records are only ever upserted or deleted, so replayed or reordered callbacks converge.
// The invite link is created before the record is written so a failed link call leaves no state.
func Transition(s State, in Input) (State, []Action) {
	switch in.(type) {
	case VerificationSucceeded:
		return StateVerified, []Action{CreateInvite{}, UpsertRecord{}, SendInvite{}}
	case JoinRequested:
		if s != StateVerified {
			return s, nil
		}
		return StateVerified, []Action{ApproveJoin{}, NotifyApproved{}}
	case MembershipGranted, Unlinked:
		return StateUnverified, []Action{DeleteRecord{}}
	default:
		return s, nil
	}
}
