package protocol

import (
	"bytes"
	"errors"
	"io"
	"strconv"
)

var (
	ErrPayloadTooShort = errors.New("payload too short")
	ErrEmptyUsername   = errors.New("username cannot be empty")
	ErrMalformedList   = errors.New("malformed channel list payload")
)

// Channel update ops carried in the CH_UPDATE payload's command byte.
const (
	UpdatePin     uint8 = 0
	UpdateRename  uint8 = 1
	UpdatePrivacy uint8 = 2
	UpdatePromote uint8 = 3
)

// PayloadMessage is implemented by every payload struct in this package.
type PayloadMessage interface {
	// Encode serializes the payload to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the payload directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the payload from bytes
	Decode(payload []byte) error
}

func encode(m PayloadMessage) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConnectRequest (SVR_CONNECT, C→S) - newline-separated username and
// optional admin password.
type ConnectRequest struct {
	Username    string
	Password    string
	HasPassword bool
}

func (m *ConnectRequest) EncodeTo(w io.Writer) error {
	if _, err := io.WriteString(w, m.Username); err != nil {
		return err
	}
	if m.HasPassword {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
		if _, err := io.WriteString(w, m.Password); err != nil {
			return err
		}
	}
	return nil
}

func (m *ConnectRequest) Encode() ([]byte, error) { return encode(m) }

func (m *ConnectRequest) Decode(payload []byte) error {
	parts := bytes.SplitN(payload, []byte{'\n'}, 2)
	if len(parts[0]) == 0 {
		return ErrEmptyUsername
	}

	m.Username = string(parts[0])
	m.HasPassword = len(parts) == 2
	if m.HasPassword {
		m.Password = string(parts[1])
	} else {
		m.Password = ""
	}
	return nil
}

// ChannelInfo (returned by CH_JOIN and CH_CREATE) -
// `id:u32le || secret:u8 || name`.
type ChannelInfo struct {
	ID     uint32
	Secret bool
	Name   string
}

func (m *ChannelInfo) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.ID); err != nil {
		return err
	}
	if err := WriteBool(w, m.Secret); err != nil {
		return err
	}
	_, err := io.WriteString(w, m.Name)
	return err
}

func (m *ChannelInfo) Encode() ([]byte, error) { return encode(m) }

func (m *ChannelInfo) Decode(payload []byte) error {
	if len(payload) < 5 {
		return ErrPayloadTooShort
	}
	buf := bytes.NewReader(payload)
	id, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	secret, err := ReadBool(buf)
	if err != nil {
		return err
	}

	m.ID = id
	m.Secret = secret
	m.Name = string(payload[5:])
	return nil
}

// CreateChannelRequest (CH_CREATE, C→S) - `secret:u8 || name`.
type CreateChannelRequest struct {
	Secret bool
	Name   string
}

func (m *CreateChannelRequest) EncodeTo(w io.Writer) error {
	if err := WriteBool(w, m.Secret); err != nil {
		return err
	}
	_, err := io.WriteString(w, m.Name)
	return err
}

func (m *CreateChannelRequest) Encode() ([]byte, error) { return encode(m) }

func (m *CreateChannelRequest) Decode(payload []byte) error {
	if len(payload) < 1 {
		return ErrPayloadTooShort
	}
	m.Secret = payload[0] == 1
	m.Name = string(payload[1:])
	return nil
}

// JoinRequest (CH_JOIN / CH_LEAVE, C→S) - `channel_id:u32le`.
type JoinRequest struct {
	ChannelID uint32
}

func (m *JoinRequest) EncodeTo(w io.Writer) error {
	return WriteUint32(w, m.ChannelID)
}

func (m *JoinRequest) Encode() ([]byte, error) { return encode(m) }

func (m *JoinRequest) Decode(payload []byte) error {
	if len(payload) < 4 {
		return ErrPayloadTooShort
	}
	channelID, err := ReadUint32(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.ChannelID = channelID
	return nil
}

// ClientTarget (SVR_BANNED, C→S) - `target_id:u32le`.
type ClientTarget struct {
	TargetID uint32
}

func (m *ClientTarget) EncodeTo(w io.Writer) error {
	return WriteUint32(w, m.TargetID)
}

func (m *ClientTarget) Encode() ([]byte, error) { return encode(m) }

func (m *ClientTarget) Decode(payload []byte) error {
	if len(payload) < 4 {
		return ErrPayloadTooShort
	}
	targetID, err := ReadUint32(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.TargetID = targetID
	return nil
}

// ModerationTarget (CH_KICK / CH_INVITE / CH_BAN / CH_UNBAN, C→S; also the
// CH_KICK / CH_BAN broadcast body) - `channel_id:u32le || target_id:u32le`.
type ModerationTarget struct {
	ChannelID uint32
	TargetID  uint32
}

func (m *ModerationTarget) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.ChannelID); err != nil {
		return err
	}
	return WriteUint32(w, m.TargetID)
}

func (m *ModerationTarget) Encode() ([]byte, error) { return encode(m) }

func (m *ModerationTarget) Decode(payload []byte) error {
	if len(payload) < 8 {
		return ErrPayloadTooShort
	}
	buf := bytes.NewReader(payload)
	channelID, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	targetID, err := ReadUint32(buf)
	if err != nil {
		return err
	}

	m.ChannelID = channelID
	m.TargetID = targetID
	return nil
}

// MessagePost (CH_MESSAGE, C→S) -
// `channel_id:u32le || reply_to:u32le || text`.
type MessagePost struct {
	ChannelID uint32
	ReplyTo   uint32
	Text      []byte
}

func (m *MessagePost) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.ChannelID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.ReplyTo); err != nil {
		return err
	}
	_, err := w.Write(m.Text)
	return err
}

func (m *MessagePost) Encode() ([]byte, error) { return encode(m) }

func (m *MessagePost) Decode(payload []byte) error {
	if len(payload) < 8 {
		return ErrPayloadTooShort
	}
	buf := bytes.NewReader(payload)
	channelID, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	replyTo, err := ReadUint32(buf)
	if err != nil {
		return err
	}

	m.ChannelID = channelID
	m.ReplyTo = replyTo
	m.Text = append([]byte(nil), payload[8:]...)
	return nil
}

// MessageBroadcast (CH_MESSAGE, S→C) -
// `channel_id:u32le || sender_id:u32le || reply_to:u32le || text`.
// The text bytes are copied into the payload.
type MessageBroadcast struct {
	ChannelID uint32
	SenderID  uint32
	ReplyTo   uint32
	Text      []byte
}

func (m *MessageBroadcast) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.ChannelID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.SenderID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.ReplyTo); err != nil {
		return err
	}
	_, err := w.Write(m.Text)
	return err
}

func (m *MessageBroadcast) Encode() ([]byte, error) { return encode(m) }

func (m *MessageBroadcast) Decode(payload []byte) error {
	if len(payload) < 12 {
		return ErrPayloadTooShort
	}
	buf := bytes.NewReader(payload)
	channelID, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	senderID, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	replyTo, err := ReadUint32(buf)
	if err != nil {
		return err
	}

	m.ChannelID = channelID
	m.SenderID = senderID
	m.ReplyTo = replyTo
	m.Text = append([]byte(nil), payload[12:]...)
	return nil
}

// ChannelUpdate (CH_UPDATE, both directions) -
// `channel_id:u32le || op:u8 || arg`. The arg bytes depend on the op:
// the pinned message for UpdatePin, the new name for UpdateRename, empty for
// an UpdatePrivacy request (the broadcast carries the new state as one 0/1
// byte), `target_id:u32le` for UpdatePromote.
type ChannelUpdate struct {
	ChannelID uint32
	Op        uint8
	Arg       []byte
}

func (m *ChannelUpdate) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.ChannelID); err != nil {
		return err
	}
	if err := WriteUint8(w, m.Op); err != nil {
		return err
	}
	_, err := w.Write(m.Arg)
	return err
}

func (m *ChannelUpdate) Encode() ([]byte, error) { return encode(m) }

func (m *ChannelUpdate) Decode(payload []byte) error {
	if len(payload) < 5 {
		return ErrPayloadTooShort
	}
	buf := bytes.NewReader(payload)
	channelID, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	op, err := ReadUint8(buf)
	if err != nil {
		return err
	}

	m.ChannelID = channelID
	m.Op = op
	m.Arg = make([]byte, len(payload)-5)
	copy(m.Arg, payload[5:])
	return nil
}

// PromoteTarget extracts the target id from an UpdatePromote arg.
func (m *ChannelUpdate) PromoteTarget() (uint32, error) {
	if len(m.Arg) < 4 {
		return 0, ErrPayloadTooShort
	}
	return ReadUint32(bytes.NewReader(m.Arg))
}

// ServerMessage (SVR_MESSAGE, S→C) - `sender_id:u32le || text`.
type ServerMessage struct {
	SenderID uint32
	Text     []byte
}

func (m *ServerMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.SenderID); err != nil {
		return err
	}
	_, err := w.Write(m.Text)
	return err
}

func (m *ServerMessage) Encode() ([]byte, error) { return encode(m) }

func (m *ServerMessage) Decode(payload []byte) error {
	if len(payload) < 4 {
		return ErrPayloadTooShort
	}
	buf := bytes.NewReader(payload)
	senderID, err := ReadUint32(buf)
	if err != nil {
		return err
	}

	m.SenderID = senderID
	m.Text = append([]byte(nil), payload[4:]...)
	return nil
}

// ChannelListEntry is one channel in the CH_LIST response.
type ChannelListEntry struct {
	ID     uint32
	Secret bool
	Name   string
}

// EncodeChannelList serializes channel views for the CH_LIST response:
// per channel `id_ascii '\n' secret_byte '\n' name '\n' 0x00`, then one
// extra trailing 0x00.
func EncodeChannelList(entries []ChannelListEntry) []byte {
	var buf bytes.Buffer
	for _, entry := range entries {
		buf.WriteString(strconv.FormatUint(uint64(entry.ID), 10))
		buf.WriteByte('\n')
		if entry.Secret {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.WriteByte('\n')
		buf.WriteString(entry.Name)
		buf.WriteByte('\n')
		buf.WriteByte(0x00)
	}
	buf.WriteByte(0x00)
	return buf.Bytes()
}

// DecodeChannelList parses a CH_LIST response payload. The secret byte may
// itself be 0x00, so entries are walked field by field rather than split on
// the separator.
func DecodeChannelList(payload []byte) ([]ChannelListEntry, error) {
	if len(payload) == 0 || payload[len(payload)-1] != 0x00 {
		return nil, ErrMalformedList
	}

	var entries []ChannelListEntry
	rest := payload[:len(payload)-1]
	for len(rest) > 0 {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, ErrMalformedList
		}
		id, err := strconv.ParseUint(string(rest[:nl]), 10, 32)
		if err != nil {
			return nil, ErrMalformedList
		}
		rest = rest[nl+1:]

		if len(rest) < 2 || rest[1] != '\n' {
			return nil, ErrMalformedList
		}
		secret := rest[0] == 1
		rest = rest[2:]

		nl = bytes.IndexByte(rest, '\n')
		if nl < 0 || len(rest) < nl+2 || rest[nl+1] != 0x00 {
			return nil, ErrMalformedList
		}

		entries = append(entries, ChannelListEntry{
			ID:     uint32(id),
			Secret: secret,
			Name:   string(rest[:nl]),
		})
		rest = rest[nl+2:]
	}

	return entries, nil
}
