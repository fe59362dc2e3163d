package channel

import "github.com/anillo-os/anillo-os-sub001/internal/uapi"

// AttachmentKind identifies the variant of a capability carried by a
// message. Values line up with the wire-format type tags
// internal/uapi defines so a message's in-memory attachment list and
// its serialized descriptor table agree on what each entry means.
type AttachmentKind uint8

const (
	AttachmentNull    AttachmentKind = AttachmentKind(uapi.AttachmentNull)
	AttachmentChannel AttachmentKind = AttachmentKind(uapi.AttachmentChannel)
	AttachmentMapping AttachmentKind = AttachmentKind(uapi.AttachmentMapping)
	AttachmentData    AttachmentKind = AttachmentKind(uapi.AttachmentData)
)

// Attachment is one entry in a message's attachment list. Exactly one
// of the type-specific fields is meaningful, selected by Kind.
type Attachment struct {
	Kind AttachmentKind

	// Endpoint is populated for AttachmentChannel: the sub-channel
	// endpoint being transferred. Ownership moves with the message,
	// the sender must not use this endpoint again after Send succeeds.
	Endpoint *Endpoint

	// MappingID is populated for AttachmentMapping: an opaque handle
	// to a shared-memory mapping whose backing store lives outside
	// this module; the id is carried opaquely end to end.
	MappingID uint64

	// Data, Shared, and Length are populated for AttachmentData: Data
	// holds an inline copy when Shared is false, or is nil with Length
	// set when Shared is true (a shared region this simulation
	// likewise does not model the backing store for).
	Data   []byte
	Shared bool
	Length uint64
}

// Message is a kernel record: a conversation and message id, body
// bytes, and an ordered attachment list.
type Message struct {
	ConversationID uint64
	MessageID      uint64
	Body           []byte
	Attachments    []Attachment

	// wireHeader and wireAttachments are the wire-format encoding of
	// this message's header and attachment table, stamped by Send and
	// consulted by Receive for the two-phase peek's required-size
	// accounting.
	wireHeader      []byte
	wireAttachments []byte
}

// marshalAttachmentTable encodes atts into the densely packed,
// 4-byte-aligned attachment table via internal/uapi's per-type codecs.
// descOf supplies the wire descriptor id for a channel-endpoint entry.
func marshalAttachmentTable(atts []Attachment, descOf func(*Endpoint) uint64) []byte {
	buf := make([]byte, 0, len(atts)*12)
	for i, a := range atts {
		var payload []byte
		switch a.Kind {
		case AttachmentChannel:
			var id uint64
			if a.Endpoint != nil {
				id = descOf(a.Endpoint)
			}
			payload = uapi.MarshalChannelAttachment(id)
		case AttachmentMapping:
			payload = uapi.MarshalMappingAttachment(a.MappingID)
		case AttachmentData:
			payload = uapi.MarshalDataAttachment(&uapi.DataAttachment{Shared: a.Shared, Length: a.Length})
		}

		hdr := uapi.AttachmentHeader{Type: uint8(a.Kind), Length: uint16(len(payload))}
		entryStart := len(buf)
		buf = append(buf, uapi.MarshalAttachmentHeader(&hdr)...)
		buf = append(buf, payload...)

		aligned := uapi.AlignUp4(uint32(len(buf)))
		for uint32(len(buf)) < aligned {
			buf = append(buf, 0)
		}
		if i < len(atts)-1 {
			hdr.NextOffset = uint16(aligned)
		} else {
			hdr.NextOffset = 0
		}
		copy(buf[entryStart:], uapi.MarshalAttachmentHeader(&hdr))
	}
	return buf
}

// countWireAttachments walks table's NextOffset chain, decoding each
// entry's header with uapi.UnmarshalAttachmentHeader, to recover the
// number of attachments a serialized message actually carries.
func countWireAttachments(table []byte) int {
	n := 0
	off := 0
	for off >= 0 && off < len(table) {
		h, err := uapi.UnmarshalAttachmentHeader(table[off:])
		if err != nil {
			break
		}
		n++
		if h.NextOffset == 0 {
			break
		}
		off = int(h.NextOffset)
	}
	return n
}

// Detach removes and returns ownership of the i'th attachment,
// replacing it with a null placeholder. Detaching twice, detaching an
// index that's already null, or an out-of-range index reports false.
func (m *Message) Detach(i int) (Attachment, bool) {
	if i < 0 || i >= len(m.Attachments) {
		return Attachment{}, false
	}
	a := m.Attachments[i]
	if a.Kind == AttachmentNull {
		return Attachment{}, false
	}
	m.Attachments[i] = Attachment{Kind: AttachmentNull}
	return a, true
}

// Release discards every attachment the message still owns, closing
// any channel endpoints it carries, and is called once a receiver is
// done with a message it chose not to individually detach attachments
// from.
func (m *Message) Release() {
	for i := range m.Attachments {
		a := m.Attachments[i]
		if a.Kind == AttachmentChannel && a.Endpoint != nil {
			a.Endpoint.Close()
		}
		m.Attachments[i] = Attachment{Kind: AttachmentNull}
	}
}
