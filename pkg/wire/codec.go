package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const headerSize = 1 /*ProtoVer*/ + 1 /*pad*/ + 1 /*Op*/ + 1 /*State*/ + 4 /*MsgLength*/ +
	16 + 8 /*NodeID*/ + 16 + 2 + 4 + 2 /*NodeEntry*/

// EncodeHeader writes the fixed little-endian header per SPEC_FULL.md §6.
func EncodeHeader(buf *bytes.Buffer, h Header) {
	buf.WriteByte(h.ProtoVer)
	buf.WriteByte(0) // pad
	buf.WriteByte(byte(h.Op))
	buf.WriteByte(byte(h.State))

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], h.MsgLength)
	buf.Write(lenBuf[:])

	buf.Write(h.From.Addr[:])
	var pidBuf [8]byte
	binary.LittleEndian.PutUint64(pidBuf[:], uint64(h.From.PID))
	buf.Write(pidBuf[:])

	buf.Write(h.FromEntry.Addr[:])
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], h.FromEntry.Port)
	buf.Write(portBuf[:])
	var zoneBuf [4]byte
	binary.LittleEndian.PutUint32(zoneBuf[:], h.FromEntry.Zone)
	buf.Write(zoneBuf[:])
	var vnBuf [2]byte
	binary.LittleEndian.PutUint16(vnBuf[:], h.FromEntry.VNodes)
	buf.Write(vnBuf[:])
}

// DecodeHeader parses the fixed header from the front of b, returning the
// header and the number of bytes consumed.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < headerSize {
		return Header{}, 0, fmt.Errorf("wire: short header: got %d bytes, want %d", len(b), headerSize)
	}
	var h Header
	h.ProtoVer = b[0]
	h.Op = Op(b[2])
	h.State = State(b[3])
	h.MsgLength = binary.LittleEndian.Uint32(b[4:8])

	off := 8
	copy(h.From.Addr[:], b[off:off+16])
	off += 16
	h.From.PID = int64(binary.LittleEndian.Uint64(b[off : off+8]))
	off += 8

	copy(h.FromEntry.Addr[:], b[off:off+16])
	off += 16
	h.FromEntry.Port = binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	h.FromEntry.Zone = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	h.FromEntry.VNodes = binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	return h, off, nil
}

// NodePair is a (NodeID, NodeEntry) tuple as embedded in Join payload
// node/leave-node arrays.
type NodePair struct {
	ID    NodeID
	Entry NodeEntry
}

// JoinPayload is the Join message body following the header.
type JoinPayload struct {
	NrNodes       uint32
	NrSobjs       uint32
	ClusterStatus uint32
	Epoch         uint32
	Ctime         uint64
	Result        Status
	IncEpoch      uint8
	Nodes         []NodePair
	LeaveNodes    []NodePair
}

// LeavePayload is the Leave message body following the header.
type LeavePayload struct {
	Epoch uint32
}

// VDIOpPayload carries the opaque client request/response headers and body
// for a VDI control operation. ReqID is assigned by the originating node
// before it broadcasts the INIT and is echoed back on the FIN,
// letting the originator match a response to one of several overlapping
// requests instead of assuming its own request is always the head of a
// per-node pending list.
type VDIOpPayload struct {
	ReqID     uint64
	ReqOpcode uint16
	ReqEpoch  uint32
	ReqFlags  uint16
	VDISize   uint64
	BaseVDIID uint32
	CopiesReq uint8
	SnapID    uint32
	RspResult Status
	RspVDIID  uint32
	RspAttrID uint32
	RspCopies uint8
	Data      []byte
}

// MastershipTransferPayload is the body of a MASTER_TRANSFER message.
type MastershipTransferPayload struct {
	Epoch uint32
}

// EncodeNodePair serializes a single NodePair using the same layout as
// the Join payload's node arrays — handy for drivers that need to stash
// one NodePair as an opaque value (e.g. an etcd membership key's value).
func EncodeNodePair(p NodePair) []byte {
	var buf bytes.Buffer
	encodeNodePairs(&buf, []NodePair{p})
	return buf.Bytes()
}

// DecodeNodePair parses a single NodePair encoded by EncodeNodePair.
func DecodeNodePair(b []byte) (NodePair, error) {
	pairs, _, err := decodeNodePairs(b)
	if err != nil {
		return NodePair{}, err
	}
	if len(pairs) != 1 {
		return NodePair{}, fmt.Errorf("wire: expected exactly 1 node pair, got %d", len(pairs))
	}
	return pairs[0], nil
}

func encodeNodePairs(buf *bytes.Buffer, pairs []NodePair) {
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(len(pairs)))
	buf.Write(cnt[:])
	for _, p := range pairs {
		buf.Write(p.ID.Addr[:])
		var pidBuf [8]byte
		binary.LittleEndian.PutUint64(pidBuf[:], uint64(p.ID.PID))
		buf.Write(pidBuf[:])

		buf.Write(p.Entry.Addr[:])
		var portBuf [2]byte
		binary.LittleEndian.PutUint16(portBuf[:], p.Entry.Port)
		buf.Write(portBuf[:])
		var zoneBuf [4]byte
		binary.LittleEndian.PutUint32(zoneBuf[:], p.Entry.Zone)
		buf.Write(zoneBuf[:])
		var vnBuf [2]byte
		binary.LittleEndian.PutUint16(vnBuf[:], p.Entry.VNodes)
		buf.Write(vnBuf[:])
	}
}

func decodeNodePairs(b []byte) ([]NodePair, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("wire: short node-pair count")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	off := 4
	const pairSize = 16 + 8 + 16 + 2 + 4 + 2
	if len(b[off:]) < int(n)*pairSize {
		return nil, 0, fmt.Errorf("wire: short node-pair array: want %d entries", n)
	}
	out := make([]NodePair, 0, n)
	for i := uint32(0); i < n; i++ {
		var p NodePair
		copy(p.ID.Addr[:], b[off:off+16])
		off += 16
		p.ID.PID = int64(binary.LittleEndian.Uint64(b[off : off+8]))
		off += 8

		copy(p.Entry.Addr[:], b[off:off+16])
		off += 16
		p.Entry.Port = binary.LittleEndian.Uint16(b[off : off+2])
		off += 2
		p.Entry.Zone = binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		p.Entry.VNodes = binary.LittleEndian.Uint16(b[off : off+2])
		off += 2

		out = append(out, p)
	}
	return out, off, nil
}

// EncodeJoinBody serializes just the Join payload, with no header — what
// a driver's OnNotify callback hands the coordinator after stripping the
// header itself.
func EncodeJoinBody(p JoinPayload) []byte {
	var body bytes.Buffer

	var u32 [4]byte
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(u32[:], v); body.Write(u32[:]) }
	putU32(p.NrNodes)
	putU32(p.NrSobjs)
	putU32(p.ClusterStatus)
	putU32(p.Epoch)
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], p.Ctime)
	body.Write(u64[:])
	putU32(uint32(p.Result))
	body.WriteByte(p.IncEpoch)
	body.Write([]byte{0, 0, 0}) // pad
	encodeNodePairs(&body, p.Nodes)
	encodeNodePairs(&body, p.LeaveNodes)

	return body.Bytes()
}

// DecodeJoinBody parses a Join payload with no header prefix, as produced
// by EncodeJoinBody.
func DecodeJoinBody(body []byte) (JoinPayload, error) {
	if len(body) < 4*4+8+4+4 {
		return JoinPayload{}, fmt.Errorf("wire: short join payload")
	}
	var p JoinPayload
	p.NrNodes = binary.LittleEndian.Uint32(body[0:4])
	p.NrSobjs = binary.LittleEndian.Uint32(body[4:8])
	p.ClusterStatus = binary.LittleEndian.Uint32(body[8:12])
	p.Epoch = binary.LittleEndian.Uint32(body[12:16])
	p.Ctime = binary.LittleEndian.Uint64(body[16:24])
	p.Result = Status(binary.LittleEndian.Uint32(body[24:28]))
	p.IncEpoch = body[28]
	cur := body[32:]

	nodes, n1, err := decodeNodePairs(cur)
	if err != nil {
		return JoinPayload{}, err
	}
	p.Nodes = nodes
	cur = cur[n1:]

	leave, _, err := decodeNodePairs(cur)
	if err != nil {
		return JoinPayload{}, err
	}
	p.LeaveNodes = leave

	return p, nil
}

// EncodeJoin serializes a Join header + payload into a broadcast-ready
// message. MsgLength is filled in based on the final size.
func EncodeJoin(h Header, p JoinPayload) []byte {
	h.Op = OpJoin
	body := EncodeJoinBody(p)

	var out bytes.Buffer
	h.MsgLength = uint32(headerSize + len(body))
	EncodeHeader(&out, h)
	out.Write(body)
	return out.Bytes()
}

// DecodeJoin parses a Join message previously produced by EncodeJoin.
func DecodeJoin(b []byte) (Header, JoinPayload, error) {
	h, off, err := DecodeHeader(b)
	if err != nil {
		return Header{}, JoinPayload{}, err
	}
	p, err := DecodeJoinBody(b[off:])
	if err != nil {
		return Header{}, JoinPayload{}, err
	}
	return h, p, nil
}

// EncodeLeaveBody serializes just the Leave payload, with no header.
func EncodeLeaveBody(p LeavePayload) []byte {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], p.Epoch)
	return body[:]
}

// DecodeLeaveBody parses a Leave payload with no header prefix.
func DecodeLeaveBody(body []byte) (LeavePayload, error) {
	if len(body) < 4 {
		return LeavePayload{}, fmt.Errorf("wire: short leave payload")
	}
	return LeavePayload{Epoch: binary.LittleEndian.Uint32(body[:4])}, nil
}

// EncodeLeave serializes a Leave header + payload.
func EncodeLeave(h Header, p LeavePayload) []byte {
	h.Op = OpLeave
	body := EncodeLeaveBody(p)

	var out bytes.Buffer
	h.MsgLength = uint32(headerSize + len(body))
	EncodeHeader(&out, h)
	out.Write(body)
	return out.Bytes()
}

// DecodeLeave parses a Leave message.
func DecodeLeave(b []byte) (Header, LeavePayload, error) {
	h, off, err := DecodeHeader(b)
	if err != nil {
		return Header{}, LeavePayload{}, err
	}
	p, err := DecodeLeaveBody(b[off:])
	if err != nil {
		return Header{}, LeavePayload{}, err
	}
	return h, p, nil
}

// EncodeMasterTransferBody serializes just the MASTER_TRANSFER payload,
// with no header.
func EncodeMasterTransferBody(p MastershipTransferPayload) []byte {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], p.Epoch)
	return body[:]
}

// DecodeMasterTransferBody parses a MASTER_TRANSFER payload with no header
// prefix.
func DecodeMasterTransferBody(body []byte) (MastershipTransferPayload, error) {
	if len(body) < 4 {
		return MastershipTransferPayload{}, fmt.Errorf("wire: short master-transfer payload")
	}
	return MastershipTransferPayload{Epoch: binary.LittleEndian.Uint32(body[:4])}, nil
}

// EncodeMasterTransfer serializes a MASTER_TRANSFER header + payload.
func EncodeMasterTransfer(h Header, p MastershipTransferPayload) []byte {
	h.Op = OpMasterTransfer
	body := EncodeMasterTransferBody(p)

	var out bytes.Buffer
	h.MsgLength = uint32(headerSize + len(body))
	EncodeHeader(&out, h)
	out.Write(body)
	return out.Bytes()
}

// DecodeMasterTransfer parses a MASTER_TRANSFER message.
func DecodeMasterTransfer(b []byte) (Header, MastershipTransferPayload, error) {
	h, off, err := DecodeHeader(b)
	if err != nil {
		return Header{}, MastershipTransferPayload{}, err
	}
	p, err := DecodeMasterTransferBody(b[off:])
	if err != nil {
		return Header{}, MastershipTransferPayload{}, err
	}
	return h, p, nil
}

// EncodeVDIOpBody serializes just the VDI_OP payload, with no header.
func EncodeVDIOpBody(p VDIOpPayload) []byte {
	var body bytes.Buffer

	var u64id [8]byte
	binary.LittleEndian.PutUint64(u64id[:], p.ReqID)
	body.Write(u64id[:])

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], p.ReqOpcode)
	body.Write(u16[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], p.ReqEpoch)
	body.Write(u32[:])
	binary.LittleEndian.PutUint16(u16[:], p.ReqFlags)
	body.Write(u16[:])
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], p.VDISize)
	body.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], p.BaseVDIID)
	body.Write(u32[:])
	body.WriteByte(p.CopiesReq)
	binary.LittleEndian.PutUint32(u32[:], p.SnapID)
	body.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(p.RspResult))
	body.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], p.RspVDIID)
	body.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], p.RspAttrID)
	body.Write(u32[:])
	body.WriteByte(p.RspCopies)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(p.Data)))
	body.Write(u32[:])
	body.Write(p.Data)

	return body.Bytes()
}

// DecodeVDIOpBody parses a VDI_OP payload with no header prefix.
func DecodeVDIOpBody(body []byte) (VDIOpPayload, error) {
	const fixed = 8 + 2 + 4 + 2 + 8 + 4 + 1 + 4 + 4 + 4 + 4 + 1 + 4
	if len(body) < fixed {
		return VDIOpPayload{}, fmt.Errorf("wire: short vdi-op payload")
	}
	var p VDIOpPayload
	cur := 0
	p.ReqID = binary.LittleEndian.Uint64(body[cur : cur+8])
	cur += 8
	p.ReqOpcode = binary.LittleEndian.Uint16(body[cur : cur+2])
	cur += 2
	p.ReqEpoch = binary.LittleEndian.Uint32(body[cur : cur+4])
	cur += 4
	p.ReqFlags = binary.LittleEndian.Uint16(body[cur : cur+2])
	cur += 2
	p.VDISize = binary.LittleEndian.Uint64(body[cur : cur+8])
	cur += 8
	p.BaseVDIID = binary.LittleEndian.Uint32(body[cur : cur+4])
	cur += 4
	p.CopiesReq = body[cur]
	cur++
	p.SnapID = binary.LittleEndian.Uint32(body[cur : cur+4])
	cur += 4
	p.RspResult = Status(binary.LittleEndian.Uint32(body[cur : cur+4]))
	cur += 4
	p.RspVDIID = binary.LittleEndian.Uint32(body[cur : cur+4])
	cur += 4
	p.RspAttrID = binary.LittleEndian.Uint32(body[cur : cur+4])
	cur += 4
	p.RspCopies = body[cur]
	cur++
	dataLen := binary.LittleEndian.Uint32(body[cur : cur+4])
	cur += 4
	if len(body[cur:]) < int(dataLen) {
		return VDIOpPayload{}, fmt.Errorf("wire: short vdi-op data")
	}
	p.Data = append([]byte(nil), body[cur:cur+int(dataLen)]...)

	return p, nil
}

// EncodeVDIOp serializes a VDI_OP header + payload.
func EncodeVDIOp(h Header, p VDIOpPayload) []byte {
	h.Op = OpVDIOp
	body := EncodeVDIOpBody(p)

	var out bytes.Buffer
	h.MsgLength = uint32(headerSize + len(body))
	EncodeHeader(&out, h)
	out.Write(body)
	return out.Bytes()
}

// DecodeVDIOp parses a VDI_OP message.
func DecodeVDIOp(b []byte) (Header, VDIOpPayload, error) {
	h, off, err := DecodeHeader(b)
	if err != nil {
		return Header{}, VDIOpPayload{}, err
	}
	p, err := DecodeVDIOpBody(b[off:])
	if err != nil {
		return Header{}, VDIOpPayload{}, err
	}
	return h, p, nil
}
