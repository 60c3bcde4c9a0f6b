package protocol

// Command identifies the operation carried by a header.
type Command uint32

// Command codes. 1-10 are the ordinary request commands; 55, 75 and 88
// frame the file-relay sub-protocol. Any other value is invalid.
const (
	CmdEcho      Command = 1
	CmdRegister  Command = 2
	CmdLogin     Command = 3
	CmdLogout    Command = 4
	CmdMessage   Command = 5
	CmdBroadcast Command = 6
	CmdSendFile  Command = 7
	CmdList      Command = 8
	CmdExit      Command = 9
	CmdHistory   Command = 10

	CmdFileBegin Command = 55
	CmdFileEnd   Command = 75
	CmdFileChunk Command = 88
)

// Known reports whether the code is part of the protocol.
func (c Command) Known() bool {
	switch c {
	case CmdEcho, CmdRegister, CmdLogin, CmdLogout, CmdMessage, CmdBroadcast,
		CmdSendFile, CmdList, CmdExit, CmdHistory,
		CmdFileBegin, CmdFileEnd, CmdFileChunk:
		return true
	}
	return false
}

func (c Command) String() string {
	switch c {
	case CmdEcho:
		return "ECHO"
	case CmdRegister:
		return "REGISTER"
	case CmdLogin:
		return "LOGIN"
	case CmdLogout:
		return "LOGOUT"
	case CmdMessage:
		return "MESSAGE"
	case CmdBroadcast:
		return "BROADCAST"
	case CmdSendFile:
		return "SEND_FILE"
	case CmdList:
		return "LIST"
	case CmdExit:
		return "EXIT"
	case CmdHistory:
		return "HISTORY"
	case CmdFileBegin:
		return "FILE_BEGIN"
	case CmdFileEnd:
		return "FILE_END"
	case CmdFileChunk:
		return "FILE_CHUNK"
	default:
		return "UNKNOWN"
	}
}
