package protocol

// Packet kinds. A request and its acknowledging response share the same kind;
// failure responses carry id -1.
const (
	TypeSvrConnect    uint32 = 0x01
	TypeSvrDisconnect uint32 = 0x02
	TypeSvrMessage    uint32 = 0x03
	TypeSvrBanned     uint32 = 0x04
	TypeSvrShutdown   uint32 = 0x05

	TypeChJoin    uint32 = 0x10
	TypeChLeave   uint32 = 0x11
	TypeChMessage uint32 = 0x12
	TypeChUpdate  uint32 = 0x13
	TypeChDelete  uint32 = 0x14
	TypeChCreate  uint32 = 0x15
	TypeChList    uint32 = 0x16

	TypeChInvite uint32 = 0x20
	TypeChKick   uint32 = 0x21
	TypeChBan    uint32 = 0x22
	TypeChUnban  uint32 = 0x23

	TypeRequestRejected  uint32 = 0xF0
	TypePermissionDenied uint32 = 0xF1
	TypeNotFound         uint32 = 0xF2
	TypeHeartbeat        uint32 = 0xFE
	TypeError            uint32 = 0xFF
)

// TypeName returns a stable label for a packet kind, used for logging and
// metrics. Unknown kinds map to "UNKNOWN".
func TypeName(packetType uint32) string {
	switch packetType {
	case TypeSvrConnect:
		return "SVR_CONNECT"
	case TypeSvrDisconnect:
		return "SVR_DISCONNECT"
	case TypeSvrMessage:
		return "SVR_MESSAGE"
	case TypeSvrBanned:
		return "SVR_BANNED"
	case TypeSvrShutdown:
		return "SVR_SHUTDOWN"
	case TypeChJoin:
		return "CH_JOIN"
	case TypeChLeave:
		return "CH_LEAVE"
	case TypeChMessage:
		return "CH_MESSAGE"
	case TypeChUpdate:
		return "CH_UPDATE"
	case TypeChDelete:
		return "CH_DELETE"
	case TypeChCreate:
		return "CH_CREATE"
	case TypeChList:
		return "CH_LIST"
	case TypeChInvite:
		return "CH_INVITE"
	case TypeChKick:
		return "CH_KICK"
	case TypeChBan:
		return "CH_BAN"
	case TypeChUnban:
		return "CH_UNBAN"
	case TypeRequestRejected:
		return "REQUEST_REJECTED"
	case TypePermissionDenied:
		return "PERMISSION_DENIED"
	case TypeNotFound:
		return "NOT_FOUND"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
