// Package uapi defines the channel wire format: the message header and
// attachment table layout a message is serialized into before it
// crosses a channel, plus hand-written marshal/unmarshal functions for
// each, encoded field by field with binary.LittleEndian. MessageHeader
// is guarded by a compile-time size assertion; AttachmentHeader is not.
package uapi

import (
	"encoding/binary"
	"unsafe"
)

// Attachment type tags.
const (
	AttachmentNull    uint8 = 1
	AttachmentChannel uint8 = 2
	AttachmentMapping uint8 = 3
	AttachmentData    uint8 = 4
)

// AttachmentAlign is the byte alignment every attachment entry's start
// offset must satisfy within the attachment buffer.
const AttachmentAlign = 4

// MessageHeader is the fixed 56-byte record prefixed to every message
// that crosses a channel.
type MessageHeader struct {
	ConversationID     uint64
	MessageID          uint64
	PeerID             uint64
	BodyLength         uint64
	AttachmentsLength  uint64
	BodyAddress        uint64
	AttachmentsAddress uint64
}

// Compile-time size check - must stay exactly 56 bytes on the wire.
var _ [56]byte = [unsafe.Sizeof(MessageHeader{})]byte{}

const messageHeaderWireSize = 56

// MarshalMessageHeader encodes h into its 56-byte wire form.
func MarshalMessageHeader(h *MessageHeader) []byte {
	buf := make([]byte, messageHeaderWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.ConversationID)
	binary.LittleEndian.PutUint64(buf[8:16], h.MessageID)
	binary.LittleEndian.PutUint64(buf[16:24], h.PeerID)
	binary.LittleEndian.PutUint64(buf[24:32], h.BodyLength)
	binary.LittleEndian.PutUint64(buf[32:40], h.AttachmentsLength)
	binary.LittleEndian.PutUint64(buf[40:48], h.BodyAddress)
	binary.LittleEndian.PutUint64(buf[48:56], h.AttachmentsAddress)
	return buf
}

// UnmarshalMessageHeader decodes h from its wire form.
func UnmarshalMessageHeader(data []byte, h *MessageHeader) error {
	if len(data) < messageHeaderWireSize {
		return ErrInsufficientData
	}
	h.ConversationID = binary.LittleEndian.Uint64(data[0:8])
	h.MessageID = binary.LittleEndian.Uint64(data[8:16])
	h.PeerID = binary.LittleEndian.Uint64(data[16:24])
	h.BodyLength = binary.LittleEndian.Uint64(data[24:32])
	h.AttachmentsLength = binary.LittleEndian.Uint64(data[32:40])
	h.BodyAddress = binary.LittleEndian.Uint64(data[40:48])
	h.AttachmentsAddress = binary.LittleEndian.Uint64(data[48:56])
	return nil
}

// AttachmentHeader begins every entry in a message's densely packed
// attachment table: {type:u8, length:u16, next_offset:u16}. NextOffset
// is the byte offset (from the start of the attachment buffer) of the
// next entry, or 0 on the last entry. Length is the size of the
// type-specific payload that follows this 5-byte header.
type AttachmentHeader struct {
	Type       uint8
	Length     uint16
	NextOffset uint16
}

const attachmentHeaderWireSize = 5

// MarshalAttachmentHeader encodes h into its 5-byte wire form.
func MarshalAttachmentHeader(h *AttachmentHeader) []byte {
	buf := make([]byte, attachmentHeaderWireSize)
	buf[0] = h.Type
	binary.LittleEndian.PutUint16(buf[1:3], h.Length)
	binary.LittleEndian.PutUint16(buf[3:5], h.NextOffset)
	return buf
}

// UnmarshalAttachmentHeader decodes an AttachmentHeader from data.
func UnmarshalAttachmentHeader(data []byte) (AttachmentHeader, error) {
	var h AttachmentHeader
	if len(data) < attachmentHeaderWireSize {
		return h, ErrInsufficientData
	}
	h.Type = data[0]
	h.Length = binary.LittleEndian.Uint16(data[1:3])
	h.NextOffset = binary.LittleEndian.Uint16(data[3:5])
	return h, nil
}

// ChannelAttachmentWireSize is the payload size following a channel
// attachment's header: a single descriptor id.
const ChannelAttachmentWireSize = 8

// MarshalChannelAttachment encodes a channel-endpoint descriptor id.
func MarshalChannelAttachment(descriptorID uint64) []byte {
	buf := make([]byte, ChannelAttachmentWireSize)
	binary.LittleEndian.PutUint64(buf, descriptorID)
	return buf
}

// UnmarshalChannelAttachment decodes a channel-endpoint descriptor id.
func UnmarshalChannelAttachment(data []byte) (uint64, error) {
	if len(data) < ChannelAttachmentWireSize {
		return 0, ErrInsufficientData
	}
	return binary.LittleEndian.Uint64(data[0:8]), nil
}

// MappingAttachmentWireSize is the payload size following a mapping
// attachment's header: a single mapping id.
const MappingAttachmentWireSize = 8

// MarshalMappingAttachment encodes a shared-memory mapping id.
func MarshalMappingAttachment(mappingID uint64) []byte {
	buf := make([]byte, MappingAttachmentWireSize)
	binary.LittleEndian.PutUint64(buf, mappingID)
	return buf
}

// UnmarshalMappingAttachment decodes a shared-memory mapping id.
func UnmarshalMappingAttachment(data []byte) (uint64, error) {
	if len(data) < MappingAttachmentWireSize {
		return 0, ErrInsufficientData
	}
	return binary.LittleEndian.Uint64(data[0:8]), nil
}

// DataAttachment is a data-blob attachment's payload: either an inline
// target (Shared=false, Target is a body-relative address) or a
// shared-memory mapping (Shared=true, Target is a mapping id).
type DataAttachment struct {
	Shared bool
	Target uint64
	Length uint64
}

// DataAttachmentWireSize is the payload size following a data
// attachment's header: a shared flag byte plus target and length.
const DataAttachmentWireSize = 1 + 8 + 8

// MarshalDataAttachment encodes d.
func MarshalDataAttachment(d *DataAttachment) []byte {
	buf := make([]byte, DataAttachmentWireSize)
	if d.Shared {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], d.Target)
	binary.LittleEndian.PutUint64(buf[9:17], d.Length)
	return buf
}

// UnmarshalDataAttachment decodes a DataAttachment from data.
func UnmarshalDataAttachment(data []byte) (DataAttachment, error) {
	var d DataAttachment
	if len(data) < DataAttachmentWireSize {
		return d, ErrInsufficientData
	}
	d.Shared = data[0] != 0
	d.Target = binary.LittleEndian.Uint64(data[1:9])
	d.Length = binary.LittleEndian.Uint64(data[9:17])
	return d, nil
}

// AlignUp4 rounds off up to the next multiple of AttachmentAlign.
func AlignUp4(off uint32) uint32 {
	return (off + AttachmentAlign - 1) &^ (AttachmentAlign - 1)
}

// MarshalError reports a wire-decoding failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
