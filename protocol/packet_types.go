package protocol

// PacketType is the numeric discriminator carried in a Packet's typeCode
// field. The set is closed - the codec rejects any value not listed here.
type PacketType int32

const (
	ConnectSuccess          PacketType = 1
	RegisterName            PacketType = 10
	RegisterNameSuccess     PacketType = 11
	NameCannotBeBlank       PacketType = 12
	NameCannotBeDuplicated  PacketType = 13
	UserEntered             PacketType = 19
	ChatMessage             PacketType = 20
	ServerInfo              PacketType = 30
	UpdateName              PacketType = 33
	UpdateNameSuccess       PacketType = 34
	DisconnectInfo          PacketType = 40
	DisconnectRequest       PacketType = 41
	Whisper                 PacketType = 50
	UserNotExists           PacketType = 51
	WhisperToSender         PacketType = 52
	WhisperToTarget         PacketType = 53
	FileSendRequest         PacketType = 60
	FileSendComplete        PacketType = 61
)

// knownTypes is the closed set the codec validates typeCode against.
var knownTypes = map[PacketType]bool{
	ConnectSuccess:         true,
	RegisterName:           true,
	RegisterNameSuccess:    true,
	NameCannotBeBlank:      true,
	NameCannotBeDuplicated: true,
	UserEntered:            true,
	ChatMessage:            true,
	ServerInfo:             true,
	UpdateName:             true,
	UpdateNameSuccess:      true,
	DisconnectInfo:         true,
	DisconnectRequest:      true,
	Whisper:                true,
	UserNotExists:          true,
	WhisperToSender:        true,
	WhisperToTarget:        true,
	FileSendRequest:        true,
	FileSendComplete:       true,
}

func (t PacketType) String() string {
	switch t {
	case ConnectSuccess:
		return "CONNECT_SUCCESS"
	case RegisterName:
		return "REGISTER_NAME"
	case RegisterNameSuccess:
		return "REGISTER_NAME_SUCCESS"
	case NameCannotBeBlank:
		return "NAME_CANNOT_BE_BLANK"
	case NameCannotBeDuplicated:
		return "NAME_CANNOT_BE_DUPLICATED"
	case UserEntered:
		return "USER_ENTERED"
	case ChatMessage:
		return "CHAT_MESSAGE"
	case ServerInfo:
		return "SERVER_INFO"
	case UpdateName:
		return "UPDATE_NAME"
	case UpdateNameSuccess:
		return "UPDATE_NAME_SUCCESS"
	case DisconnectInfo:
		return "DISCONNECT_INFO"
	case DisconnectRequest:
		return "DISCONNECT_REQUEST"
	case Whisper:
		return "WHISPER"
	case UserNotExists:
		return "USER_NOT_EXISTS"
	case WhisperToSender:
		return "WHISPER_TO_SENDER"
	case WhisperToTarget:
		return "WHISPER_TO_TARGET"
	case FileSendRequest:
		return "FILE_SEND_REQUEST"
	case FileSendComplete:
		return "FILE_SEND_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// DTOs, one per PacketType, matching the wire body layout in the packet
// type table verbatim.

type ConnectSuccessBody struct {
	Message string `json:"message"`
}

type RegisterNameBody struct {
	Name string `json:"name"`
}

type RegisterNameSuccessBody struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type NameCannotBeBlankBody struct {
	Message string `json:"message"`
}

type NameCannotBeDuplicatedBody struct {
	Message string `json:"message"`
}

type UserEnteredBody struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ChatMessageBody struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type ServerInfoBody struct {
	Message string `json:"message"`
}

type UpdateNameBody struct {
	NewName string `json:"newName"`
}

type UpdateNameSuccessBody struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

type DisconnectInfoBody struct {
	Target   string `json:"target"`
	Sent     int64  `json:"sent"`
	Received int64  `json:"received"`
}

type DisconnectRequestBody struct{}

type WhisperBody struct {
	Sender  string `json:"sender"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

type UserNotExistsBody struct {
	Message string `json:"message"`
}

type WhisperToSenderBody struct {
	Sender  string `json:"sender"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

type WhisperToTargetBody struct {
	Sender  string `json:"sender"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

type FileSendRequestBody struct {
	Target     string `json:"target"`
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
}

type FileSendCompleteBody struct {
	TransferID string `json:"transferId"`
}

// Validate reports a chaterr.Protocol-worthy structural problem: a field
// the wire format requires is absent. It does not perform business
// validation (a blank or duplicate name is Session's job, not the codec's -
// see chaterr.Validation).
func (b RegisterNameBody) Validate() error { return nil }
func (b UpdateNameBody) Validate() error   { return nil }

func (b WhisperBody) Validate() error {
	if b.Target == "" {
		return errMissingField("target")
	}
	return nil
}

func (b FileSendRequestBody) Validate() error {
	if b.Target == "" {
		return errMissingField("target")
	}
	if b.TransferID == "" {
		return errMissingField("transferId")
	}
	if b.FileName == "" {
		return errMissingField("fileName")
	}
	return nil
}

func (b FileSendCompleteBody) Validate() error {
	if b.TransferID == "" {
		return errMissingField("transferId")
	}
	return nil
}
