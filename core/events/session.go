package events

const (
	// KindUserJoined identifies a user joining the session.
	KindUserJoined Kind = "session.user_joined"
	// KindUserLeft identifies a user leaving the session.
	KindUserLeft Kind = "session.user_left"
	// KindCommandAcknowledged identifies an acknowledgement of an inbound
	// command.
	KindCommandAcknowledged Kind = "session.command_acknowledged"
)

type UserJoined struct{ Base }

func NewUserJoined() UserJoined {
	return UserJoined{Base: NewBase(KindUserJoined)}
}

type UserLeft struct{ Base }

func NewUserLeft() UserLeft {
	return UserLeft{Base: NewBase(KindUserLeft)}
}

// CommandAcknowledged reports the outcome of an inbound command.
type CommandAcknowledged struct {
	Base
	Command string
	OK      bool
	Error   string
}

func NewCommandAcknowledged(command string, err error) CommandAcknowledged {
	ack := CommandAcknowledged{Base: NewBase(KindCommandAcknowledged), Command: command, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	return ack
}
