package chat

import (
	"encoding/json"
	"strings"
	"time"

	"ShiftChat/service/storage"
	"ShiftChat/tools/decode"
	"ShiftChat/tools/errs"
)

// 入站类型
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeSeen    = "seen"
)

// 出站类型
const (
	TypeConnection      = "connection"
	TypeError           = "error"
	TypeNewMessage      = "new_message"
	TypeMessageSent     = "message_sent"
	TypeTypingIndicator = "typing_indicator"
	TypeMessagesSeen    = "messages_seen"
	TypeNotification    = "notification"
)

// Envelope is the wire shape in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame is a decoded inbound frame. The set is closed: only this package
// can add implementations.
type Frame interface {
	Kind() string
	accept(v frameVisitor) error
}

type frameVisitor interface {
	visitMessage(f *ChatMessageFrame) error
	visitTyping(f *TypingFrame) error
	visitSeen(f *SeenFrame) error
}

type ChatMessageFrame struct {
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
	ApplicationID  string `json:"application_id"`
	ClientMsgID    string `json:"client_msg_id"`
}

type TypingFrame struct {
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type SeenFrame struct {
	MessageIDs []string `json:"message_ids"`
	ReaderID   string   `json:"reader_id"`
}

func (*ChatMessageFrame) Kind() string { return TypeMessage }
func (*TypingFrame) Kind() string      { return TypeTyping }
func (*SeenFrame) Kind() string        { return TypeSeen }

func (f *ChatMessageFrame) accept(v frameVisitor) error { return v.visitMessage(f) }
func (f *TypingFrame) accept(v frameVisitor) error      { return v.visitTyping(f) }
func (f *SeenFrame) accept(v frameVisitor) error        { return v.visitSeen(f) }

func (f *ChatMessageFrame) validate() error {
	f.ReceiverID = strings.TrimSpace(f.ReceiverID)
	if f.ReceiverID == "" {
		return errs.ErrArgs.WrapMsg("receiver_id required")
	}
	if strings.TrimSpace(f.Content) == "" {
		return errs.ErrArgs.WrapMsg("content required")
	}
	return nil
}

func (f *TypingFrame) validate() error {
	f.ReceiverID = strings.TrimSpace(f.ReceiverID)
	if f.ReceiverID == "" {
		return errs.ErrArgs.WrapMsg("receiver_id required")
	}
	return nil
}

func (f *SeenFrame) validate() error {
	ids := f.MessageIDs[:0]
	for _, id := range f.MessageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	f.MessageIDs = ids
	if len(f.MessageIDs) == 0 {
		return errs.ErrArgs.WrapMsg("message_ids required")
	}
	return nil
}

// ParseFrame decodes one inbound envelope. Errors carry a CodeError:
// bad_frame for unparseable JSON, unknown_type, or invalid_payload.
func ParseFrame(raw []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg(err.Error())
	}
	switch env.Type {
	case TypeMessage:
		return decodeFrame[ChatMessageFrame](env.Data)
	case TypeTyping:
		return decodeFrame[TypingFrame](env.Data)
	case TypeSeen:
		return decodeFrame[SeenFrame](env.Data)
	case "":
		return nil, errs.ErrBadFrame.WrapMsg("missing type")
	default:
		return nil, errs.ErrUnknownType.WrapMsg("", "type", env.Type)
	}
}

type validatingFrame[T any] interface {
	*T
	Frame
	validate() error
}

func decodeFrame[T any, PT validatingFrame[T]](data json.RawMessage) (Frame, error) {
	v, err := decode.DecodeRaw[T](data)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error())
	}
	f := PT(v)
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// ---- 出站帧 ----

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Encode builds a wire envelope. data must be JSON-serialisable.
func Encode(typ string, data any) []byte {
	b, err := json.Marshal(outbound{Type: typ, Data: data})
	if err != nil {
		b, _ = json.Marshal(outbound{Type: TypeError, Data: ErrorData{Code: errs.ServerInternalError, Message: "internal"}})
	}
	return b
}

type ConnectionData struct {
	ConnectionKey string `json:"connection_key"`
	UserID        string `json:"user_id"`
	ServerTime    int64  `json:"server_time"`
}

type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type MessageSentData struct {
	*storage.Message
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Delivered   bool   `json:"delivered"`
}

type TypingIndicatorData struct {
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type MessagesSeenData struct {
	ReaderID   string    `json:"reader_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

func ConnectionFrame(c *Conn, now time.Time) []byte {
	return Encode(TypeConnection, ConnectionData{
		ConnectionKey: c.Key(),
		UserID:        c.UserID(),
		ServerTime:    now.UnixMilli(),
	})
}

// ErrorFrame maps err to {code, message}; errors without a code become internal.
func ErrorFrame(err error) []byte {
	if ce, ok := errs.AsCode(err); ok {
		return Encode(TypeError, ErrorData{Code: ce.ECode(), Message: ce.EMsg(), Detail: ce.DDetail()})
	}
	return Encode(TypeError, ErrorData{Code: errs.ServerInternalError, Message: errs.ErrInternal.EMsg()})
}

func NewMessageFrame(m *storage.Message) []byte {
	return Encode(TypeNewMessage, m)
}

func MessageSentFrame(m *storage.Message, clientMsgID string, delivered bool) []byte {
	return Encode(TypeMessageSent, MessageSentData{Message: m, ClientMsgID: clientMsgID, Delivered: delivered})
}
