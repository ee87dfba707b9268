package message

type Command uint8

// wire values are the position in this list
const (
	CommandLogin  Command = 0
	CommandLogout Command = 1
	CommandPost   Command = 2
	CommandShow   Command = 3
	CommandList   Command = 4
	CommandNotify Command = 5
	CommandAck    Command = 6
)

func (c Command) String() string {
	switch c {
	case CommandLogin:
		return "LOGIN"
	case CommandLogout:
		return "LOGOUT"
	case CommandPost:
		return "POST"
	case CommandShow:
		return "SHOW"
	case CommandList:
		return "LIST"
	case CommandNotify:
		return "NOTIFY"
	case CommandAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

func (c Command) Valid() bool {
	return c <= CommandAck
}

// ClientRequest reports whether the command may be initiated by a client.
func (c Command) ClientRequest() bool {
	switch c {
	case CommandLogin, CommandLogout, CommandPost, CommandShow, CommandList:
		return true
	default:
		return false
	}
}
