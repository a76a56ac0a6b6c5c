package speech

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ProtocolVersion 火山引擎 SAUC 二进制协议版本
const ProtocolVersion = 0b0001

// MessageType 消息类型
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001 // 携带请求参数的完整客户端请求
	AudioOnlyRequest   MessageType = 0b0010 // 只包含音频数据
	FullServerResponse MessageType = 0b1001 // 识别结果
	ErrorMessage       MessageType = 0b1111 // 服务端错误
)

// MessageFlags 消息特定标志
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011 // 最后一包，sequence 为负数
)

// SerializationMethod 序列化方法
type SerializationMethod uint8

const (
	NoSerialization   SerializationMethod = 0b0000
	JSONSerialization SerializationMethod = 0b0001
)

// CompressionMethod 压缩方法
type CompressionMethod uint8

const (
	NoCompression   CompressionMethod = 0b0000
	GzipCompression CompressionMethod = 0b0001
)

// Header 4 字节消息头
type Header struct {
	ProtocolVersion     uint8
	HeaderSize          uint8 // 以 4 字节为单位
	MessageType         MessageType
	MessageFlags        MessageFlags
	SerializationMethod SerializationMethod
	CompressionMethod   CompressionMethod
}

// Message 一帧协议消息
type Message struct {
	Header    Header
	Sequence  int32 // flags 低两位为 01 或 11 时存在
	ErrorCode uint32
	Payload   []byte
}

// NewHeader 创建标准 4 字节头
func NewHeader(msgType MessageType, flags MessageFlags, serialization SerializationMethod, compression CompressionMethod) Header {
	return Header{
		ProtocolVersion:     ProtocolVersion,
		HeaderSize:          0b0001,
		MessageType:         msgType,
		MessageFlags:        flags,
		SerializationMethod: serialization,
		CompressionMethod:   compression,
	}
}

func (h Header) encode() []byte {
	return []byte{
		(h.ProtocolVersion << 4) | h.HeaderSize,
		(uint8(h.MessageType) << 4) | uint8(h.MessageFlags),
		(uint8(h.SerializationMethod) << 4) | uint8(h.CompressionMethod),
		0x00,
	}
}

func decodeHeader(data []byte) (Header, error) {
	header := Header{
		ProtocolVersion:     (data[0] >> 4) & 0x0F,
		HeaderSize:          data[0] & 0x0F,
		MessageType:         MessageType((data[1] >> 4) & 0x0F),
		MessageFlags:        MessageFlags(data[1] & 0x0F),
		SerializationMethod: SerializationMethod((data[2] >> 4) & 0x0F),
		CompressionMethod:   CompressionMethod(data[2] & 0x0F),
	}
	if header.ProtocolVersion != ProtocolVersion {
		return Header{}, errors.Errorf("unsupported protocol version: %d", header.ProtocolVersion)
	}
	if header.HeaderSize == 0 {
		return Header{}, errors.New("invalid header size: 0")
	}
	return header, nil
}

func (m *Message) hasSequence() bool {
	switch m.Header.MessageFlags & 0b0011 {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

// EncodeMessage 编码完整消息
func EncodeMessage(msg *Message) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12+len(msg.Payload)))
	buf.Write(msg.Header.encode())

	word := make([]byte, 4)
	if msg.hasSequence() {
		binary.BigEndian.PutUint32(word, uint32(msg.Sequence))
		buf.Write(word)
	}
	if msg.Header.MessageType == ErrorMessage {
		binary.BigEndian.PutUint32(word, msg.ErrorCode)
		buf.Write(word)
	}

	binary.BigEndian.PutUint32(word, uint32(len(msg.Payload)))
	buf.Write(word)
	buf.Write(msg.Payload)

	return buf.Bytes()
}

// DecodeMessage 解码完整消息
func DecodeMessage(data []byte) (*Message, error) {
	reader := bytes.NewReader(data)

	raw := make([]byte, 4)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	header, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}

	// 跳过扩展头
	if extra := int64(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := reader.Seek(extra, io.SeekCurrent); err != nil {
			return nil, errors.Wrap(err, "skip extended header")
		}
	}

	msg := &Message{Header: header}
	if msg.hasSequence() {
		if err := binary.Read(reader, binary.BigEndian, &msg.Sequence); err != nil {
			return nil, errors.Wrap(err, "read sequence")
		}
	}
	if header.MessageType == ErrorMessage {
		if err := binary.Read(reader, binary.BigEndian, &msg.ErrorCode); err != nil {
			return nil, errors.Wrap(err, "read error code")
		}
	}

	var size uint32
	if err := binary.Read(reader, binary.BigEndian, &size); err != nil {
		return nil, errors.Wrap(err, "read payload size")
	}
	if int64(size) > int64(reader.Len()) {
		return nil, errors.Errorf("payload truncated: want %d bytes, have %d", size, reader.Len())
	}
	if size > 0 {
		msg.Payload = make([]byte, size)
		if _, err := io.ReadFull(reader, msg.Payload); err != nil {
			return nil, errors.Wrap(err, "read payload")
		}
	}

	return msg, nil
}

// NewFullClientRequest 创建完整客户端请求
func NewFullClientRequest(payload []byte, compression CompressionMethod) *Message {
	return &Message{
		Header:  NewHeader(FullClientRequest, NoSequenceNumber, JSONSerialization, compression),
		Payload: payload,
	}
}

// NewAudioOnlyRequest 创建音频包，最后一包使用负数 sequence
func NewAudioOnlyRequest(audio []byte, sequence int32, isLast bool, compression CompressionMethod) *Message {
	flags := PositiveSequenceNumber
	switch {
	case isLast && sequence != 0:
		flags = NegativeSequenceNumber
		sequence = -sequence
	case isLast:
		flags = LastPacketNoSequence
	case sequence <= 0:
		flags = NoSequenceNumber
	}

	return &Message{
		Header:   NewHeader(AudioOnlyRequest, flags, NoSerialization, compression),
		Sequence: sequence,
		Payload:  audio,
	}
}

// IsLastPacket 判断是否为最后一包
func (m *Message) IsLastPacket() bool {
	switch m.Header.MessageFlags & 0b0011 {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}
