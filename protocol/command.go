package protocol

import "github.com/Joett77/ussl/crdt"

// CommandKind identifies a parsed command.
type CommandKind uint8

const (
	CmdAuth CommandKind = iota
	CmdCreate
	CmdGet
	CmdSet
	CmdDelete
	CmdSubscribe
	CmdUnsubscribe
	CmdPush
	CmdIncrement
	CmdPresence
	CmdPing
	CmdQuit
	CmdInfo
	CmdKeys
	CmdCompact
)

// String returns the canonical keyword for the command kind.
func (k CommandKind) String() string {
	switch k {
	case CmdAuth:
		return "AUTH"
	case CmdCreate:
		return "CREATE"
	case CmdGet:
		return "GET"
	case CmdSet:
		return "SET"
	case CmdDelete:
		return "DEL"
	case CmdSubscribe:
		return "SUB"
	case CmdUnsubscribe:
		return "UNSUB"
	case CmdPush:
		return "PUSH"
	case CmdIncrement:
		return "INC"
	case CmdPresence:
		return "PRESENCE"
	case CmdPing:
		return "PING"
	case CmdQuit:
		return "QUIT"
	case CmdInfo:
		return "INFO"
	case CmdKeys:
		return "KEYS"
	case CmdCompact:
		return "COMPACT"
	default:
		return "UNKNOWN"
	}
}

// Command is a single parsed request. Only the fields relevant to the
// kind are populated.
type Command struct {
	Kind       CommandKind
	DocumentID string

	Password string        // AUTH
	Strategy crdt.Strategy // CREATE
	TTL      *int64        // CREATE, milliseconds
	Path     string        // SET, PUSH, INC; GET, DEL, SUB when HasPath
	HasPath  bool          // GET, DEL, SUB: whether a path was given
	Value    crdt.Value    // SET, PUSH
	Delta    int64         // INC
	Data     *crdt.Value   // PRESENCE: nil reads, non-nil writes
	Pattern  string        // SUB, UNSUB, KEYS
}
