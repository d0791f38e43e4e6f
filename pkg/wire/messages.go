package wire

import (
	"fmt"

	"github.com/cuemby/meshsync/pkg/types"
)

// Tag is the 1-byte message discriminator leading every wire message.
type Tag uint8

const (
	TagHandshakeInit      Tag = 0
	TagHandshakeChallenge Tag = 1
	TagHandshakeReply     Tag = 2
	TagHandshakeComplete  Tag = 3
	TagHashReq            Tag = 4
	TagHashResp           Tag = 5
	TagLeafReq            Tag = 6
	TagLeafResp           Tag = 7
	TagLevelReq           Tag = 8
	TagLevelResp          Tag = 9
	TagSnapshotReq        Tag = 10
	TagSnapshotChunk      Tag = 11
	TagDeltaReq           Tag = 12
	TagDeltaResp          Tag = 13
	TagStatus             Tag = 14
)

// Decode-time bounds. A received message exceeding any of these is a
// protocol error and terminates the session; they exist to stop a malicious
// peer from exhausting memory with a single frame.
const (
	MaxChildrenPerNode   = 10_000
	MaxNodesPerLevel     = 10_000
	MaxParentsPerRequest = 1_000
	MaxSnapshotEntries   = 1_000
	MaxDeltaIDsPerReq    = 128
	MaxDeltasPerResp     = 128
	MaxLeafPayload       = 4 << 20
	MaxDeltaPayload      = 4 << 20
)

// SignatureSize is the width of Ed25519 handshake signatures.
const SignatureSize = 64

// Message is one wire protocol message. Encode produces the tag byte
// followed by the canonical body.
type Message interface {
	Tag() Tag
	encode(e *Encoder)
	decode(d *Decoder)
}

// Encode serializes a message with its leading tag byte.
func Encode(m Message) []byte {
	e := NewEncoder()
	e.U8(uint8(m.Tag()))
	m.encode(e)
	return e.Bytes()
}

// Decode parses one message from data. Unknown tags, truncated bodies and
// trailing bytes are all errors.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wire: empty message")
	}
	d := NewDecoder(data[1:])

	var m Message
	switch Tag(data[0]) {
	case TagHandshakeInit:
		m = &HandshakeInit{}
	case TagHandshakeChallenge:
		m = &HandshakeChallenge{}
	case TagHandshakeReply:
		m = &HandshakeReply{}
	case TagHandshakeComplete:
		m = &HandshakeComplete{}
	case TagHashReq:
		m = &HashReq{}
	case TagHashResp:
		m = &HashResp{}
	case TagLeafReq:
		m = &LeafReq{}
	case TagLeafResp:
		m = &LeafResp{}
	case TagLevelReq:
		m = &LevelReq{}
	case TagLevelResp:
		m = &LevelResp{}
	case TagSnapshotReq:
		m = &SnapshotReq{}
	case TagSnapshotChunk:
		m = &SnapshotChunk{}
	case TagDeltaReq:
		m = &DeltaReq{}
	case TagDeltaResp:
		m = &DeltaResp{}
	case TagStatus:
		m = &Status{}
	default:
		return nil, fmt.Errorf("wire: unknown message tag %d", data[0])
	}

	m.decode(d)
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("wire: decode %T: %w", m, err)
	}
	return m, nil
}

// Fingerprint mirrors types.Fingerprint on the wire.
type Fingerprint struct {
	RootHash      types.Hash
	TreeDepth     uint32
	AvgChildren   uint32
	AppliedDeltas uint64
	PendingDeltas uint64
}

// ToTypes converts to the in-memory fingerprint.
func (f Fingerprint) ToTypes() types.Fingerprint {
	return types.Fingerprint{
		RootHash:      f.RootHash,
		TreeDepth:     f.TreeDepth,
		AvgChildren:   f.AvgChildren,
		AppliedDeltas: f.AppliedDeltas,
		PendingDeltas: f.PendingDeltas,
	}
}

// FingerprintFromTypes converts from the in-memory fingerprint.
func FingerprintFromTypes(f types.Fingerprint) Fingerprint {
	return Fingerprint{
		RootHash:      f.RootHash,
		TreeDepth:     f.TreeDepth,
		AvgChildren:   f.AvgChildren,
		AppliedDeltas: f.AppliedDeltas,
		PendingDeltas: f.PendingDeltas,
	}
}

func (f *Fingerprint) encode(e *Encoder) {
	e.Bytes32(f.RootHash)
	e.U32(f.TreeDepth)
	e.U32(f.AvgChildren)
	e.U64(f.AppliedDeltas)
	e.U64(f.PendingDeltas)
}

func (f *Fingerprint) decode(d *Decoder) {
	f.RootHash = d.Bytes32()
	f.TreeDepth = d.U32()
	f.AvgChildren = d.U32()
	f.AppliedDeltas = d.U64()
	f.PendingDeltas = d.U64()
}

// HandshakeInit opens a session: the initiator names the context, proves
// which member identity it will sign with, and advertises its fingerprint
// for protocol selection.
type HandshakeInit struct {
	ContextID   types.ContextID
	Identity    types.PublicKey
	Fingerprint Fingerprint
}

func (*HandshakeInit) Tag() Tag { return TagHandshakeInit }

func (m *HandshakeInit) encode(e *Encoder) {
	e.Bytes32(m.ContextID)
	e.Bytes32(m.Identity)
	m.Fingerprint.encode(e)
}

func (m *HandshakeInit) decode(d *Decoder) {
	m.ContextID = types.ContextID(d.Bytes32())
	m.Identity = types.PublicKey(d.Bytes32())
	m.Fingerprint.decode(d)
}

// HandshakeChallenge carries the responder's random nonce the initiator
// must sign.
type HandshakeChallenge struct {
	Nonce [32]byte
}

func (*HandshakeChallenge) Tag() Tag { return TagHandshakeChallenge }

func (m *HandshakeChallenge) encode(e *Encoder) { e.Bytes32(m.Nonce) }
func (m *HandshakeChallenge) decode(d *Decoder) { m.Nonce = d.Bytes32() }

// HandshakeReply is the initiator's signature over the challenge transcript
// plus its ephemeral X25519 component.
type HandshakeReply struct {
	Signature    [SignatureSize]byte
	EphemeralPub [32]byte
}

func (*HandshakeReply) Tag() Tag { return TagHandshakeReply }

func (m *HandshakeReply) encode(e *Encoder) {
	e.Raw(m.Signature[:])
	e.Bytes32(m.EphemeralPub)
}

func (m *HandshakeReply) decode(d *Decoder) {
	copy(m.Signature[:], d.take(SignatureSize))
	m.EphemeralPub = d.Bytes32()
}

// HandshakeComplete is the responder's signed ephemeral component, its
// member identity, and its fingerprint. After this message both sides hold
// the session key and all further traffic is encrypted.
type HandshakeComplete struct {
	Identity     types.PublicKey
	Signature    [SignatureSize]byte
	EphemeralPub [32]byte
	Fingerprint  Fingerprint
}

func (*HandshakeComplete) Tag() Tag { return TagHandshakeComplete }

func (m *HandshakeComplete) encode(e *Encoder) {
	e.Bytes32(m.Identity)
	e.Raw(m.Signature[:])
	e.Bytes32(m.EphemeralPub)
	m.Fingerprint.encode(e)
}

func (m *HandshakeComplete) decode(d *Decoder) {
	m.Identity = types.PublicKey(d.Bytes32())
	copy(m.Signature[:], d.take(SignatureSize))
	m.EphemeralPub = d.Bytes32()
	m.Fingerprint.decode(d)
}

// HashReq asks for the children of one Merkle node whose hash differs. The
// first request of a session names the root.
type HashReq struct {
	NodeID   types.EntityID
	NodeHash types.Hash
}

func (*HashReq) Tag() Tag { return TagHashReq }

func (m *HashReq) encode(e *Encoder) {
	e.Bytes32(m.NodeID)
	e.Bytes32(m.NodeHash)
}

func (m *HashReq) decode(d *Decoder) {
	m.NodeID = types.EntityID(d.Bytes32())
	m.NodeHash = types.Hash(d.Bytes32())
}

// ChildEntry is one (id, hash, leaf?) triple in a HashResp.
type ChildEntry struct {
	ID     types.EntityID
	Hash   types.Hash
	IsLeaf bool
}

// HashResp returns a node's ordered child list. An empty list on the root
// means the responder's tree is empty.
type HashResp struct {
	Children []ChildEntry
}

func (*HashResp) Tag() Tag { return TagHashResp }

func (m *HashResp) encode(e *Encoder) {
	e.U32(uint32(len(m.Children)))
	for _, c := range m.Children {
		e.Bytes32(c.ID)
		e.Bytes32(c.Hash)
		e.Bool(c.IsLeaf)
	}
}

func (m *HashResp) decode(d *Decoder) {
	n := d.Count(MaxChildrenPerNode)
	if n == 0 {
		return
	}
	m.Children = make([]ChildEntry, 0, n)
	for i := 0; i < n; i++ {
		m.Children = append(m.Children, ChildEntry{
			ID:     types.EntityID(d.Bytes32()),
			Hash:   types.Hash(d.Bytes32()),
			IsLeaf: d.Bool(),
		})
	}
}

// LeafReq asks for one leaf's payload.
type LeafReq struct {
	ID types.EntityID
}

func (*LeafReq) Tag() Tag { return TagLeafReq }

func (m *LeafReq) encode(e *Encoder) { e.Bytes32(m.ID) }
func (m *LeafReq) decode(d *Decoder) { m.ID = types.EntityID(d.Bytes32()) }

// LeafResp carries a leaf payload and the hash the responder claims for it.
// The initiator recomputes the hash before merging; a mismatch is an
// integrity failure.
type LeafResp struct {
	ID      types.EntityID
	Hash    types.Hash
	Payload []byte
}

func (*LeafResp) Tag() Tag { return TagLeafResp }

func (m *LeafResp) encode(e *Encoder) {
	e.Bytes32(m.ID)
	e.Bytes32(m.Hash)
	e.VarBytes(m.Payload)
}

func (m *LeafResp) decode(d *Decoder) {
	m.ID = types.EntityID(d.Bytes32())
	m.Hash = types.Hash(d.Bytes32())
	m.Payload = d.VarBytes(MaxLeafPayload)
}

// LevelReq asks for the nodes at one depth, optionally restricted to the
// children of the named parents.
type LevelReq struct {
	Level     uint32
	ParentIDs []types.EntityID
}

func (*LevelReq) Tag() Tag { return TagLevelReq }

func (m *LevelReq) encode(e *Encoder) {
	e.U32(m.Level)
	e.U32(uint32(len(m.ParentIDs)))
	for _, id := range m.ParentIDs {
		e.Bytes32(id)
	}
}

func (m *LevelReq) decode(d *Decoder) {
	m.Level = d.U32()
	n := d.Count(MaxParentsPerRequest)
	if n == 0 {
		return
	}
	m.ParentIDs = make([]types.EntityID, 0, n)
	for i := 0; i < n; i++ {
		m.ParentIDs = append(m.ParentIDs, types.EntityID(d.Bytes32()))
	}
}

// LevelNode is one node in a LevelResp. Parent lets the initiator place
// entities it has never seen without a separate structure query.
type LevelNode struct {
	ID     types.EntityID
	Parent types.EntityID
	Hash   types.Hash
	IsLeaf bool
}

// LevelResp returns the nodes at the requested depth.
type LevelResp struct {
	Nodes []LevelNode
}

func (*LevelResp) Tag() Tag { return TagLevelResp }

func (m *LevelResp) encode(e *Encoder) {
	e.U32(uint32(len(m.Nodes)))
	for _, n := range m.Nodes {
		e.Bytes32(n.ID)
		e.Bytes32(n.Parent)
		e.Bytes32(n.Hash)
		e.Bool(n.IsLeaf)
	}
}

func (m *LevelResp) decode(d *Decoder) {
	n := d.Count(MaxNodesPerLevel)
	if n == 0 {
		return
	}
	m.Nodes = make([]LevelNode, 0, n)
	for i := 0; i < n; i++ {
		m.Nodes = append(m.Nodes, LevelNode{
			ID:     types.EntityID(d.Bytes32()),
			Parent: types.EntityID(d.Bytes32()),
			Hash:   types.Hash(d.Bytes32()),
			IsLeaf: d.Bool(),
		})
	}
}

// SnapshotReq asks for the full entity set. The responder does not gate on
// local emptiness; that responsibility sits with the initiator's selector.
type SnapshotReq struct{}

func (*SnapshotReq) Tag() Tag { return TagSnapshotReq }

func (m *SnapshotReq) encode(*Encoder) {}
func (m *SnapshotReq) decode(*Decoder) {}

// SnapshotEntry is one entity in a snapshot stream: structure for internal
// nodes, payload for leaves.
type SnapshotEntry struct {
	ID       types.EntityID
	IsLeaf   bool
	Children []types.EntityID
	Payload  []byte
}

// SnapshotChunk carries a bounded batch of entries in deterministic
// (pre-order) sequence. The final chunk sets Last and the responder's root
// hash for reconstruction verification.
type SnapshotChunk struct {
	Entries  []SnapshotEntry
	Last     bool
	RootHash types.Hash
}

func (*SnapshotChunk) Tag() Tag { return TagSnapshotChunk }

func (m *SnapshotChunk) encode(e *Encoder) {
	e.U32(uint32(len(m.Entries)))
	for _, entry := range m.Entries {
		e.Bytes32(entry.ID)
		e.Bool(entry.IsLeaf)
		e.U32(uint32(len(entry.Children)))
		for _, c := range entry.Children {
			e.Bytes32(c)
		}
		e.VarBytes(entry.Payload)
	}
	e.Bool(m.Last)
	e.Bytes32(m.RootHash)
}

func (m *SnapshotChunk) decode(d *Decoder) {
	n := d.Count(MaxSnapshotEntries)
	if n > 0 {
		m.Entries = make([]SnapshotEntry, 0, n)
	}
	for i := 0; i < n; i++ {
		var entry SnapshotEntry
		entry.ID = types.EntityID(d.Bytes32())
		entry.IsLeaf = d.Bool()
		nc := d.Count(MaxChildrenPerNode)
		if nc > 0 {
			entry.Children = make([]types.EntityID, 0, nc)
		}
		for j := 0; j < nc; j++ {
			entry.Children = append(entry.Children, types.EntityID(d.Bytes32()))
		}
		entry.Payload = d.VarBytes(MaxLeafPayload)
		m.Entries = append(m.Entries, entry)
	}
	m.Last = d.Bool()
	m.RootHash = types.Hash(d.Bytes32())
}

// DeltaReq names missing deltas to fetch.
type DeltaReq struct {
	IDs []types.DeltaID
}

func (*DeltaReq) Tag() Tag { return TagDeltaReq }

func (m *DeltaReq) encode(e *Encoder) {
	e.U32(uint32(len(m.IDs)))
	for _, id := range m.IDs {
		e.Bytes32(id)
	}
}

func (m *DeltaReq) decode(d *Decoder) {
	n := d.Count(MaxDeltaIDsPerReq)
	if n == 0 {
		return
	}
	m.IDs = make([]types.DeltaID, 0, n)
	for i := 0; i < n; i++ {
		m.IDs = append(m.IDs, types.DeltaID(d.Bytes32()))
	}
}

// DeltaResp returns the served deltas, topologically sorted when possible.
// Unknown IDs are silently omitted; the initiator handles partial service.
type DeltaResp struct {
	Deltas []types.Delta
}

func (*DeltaResp) Tag() Tag { return TagDeltaResp }

func (m *DeltaResp) encode(e *Encoder) {
	e.U32(uint32(len(m.Deltas)))
	for i := range m.Deltas {
		encodeDelta(e, &m.Deltas[i])
	}
}

func (m *DeltaResp) decode(d *Decoder) {
	n := d.Count(MaxDeltasPerResp)
	if n == 0 {
		return
	}
	m.Deltas = make([]types.Delta, 0, n)
	for i := 0; i < n; i++ {
		m.Deltas = append(m.Deltas, decodeDelta(d))
	}
}

func encodeDelta(e *Encoder, delta *types.Delta) {
	e.Bytes32(delta.ID)
	e.U32(uint32(len(delta.Parents)))
	for _, p := range delta.Parents {
		e.Bytes32(p)
	}
	e.VarBytes(delta.Payload)
	e.U64(delta.Timestamp.WallTime)
	e.U32(delta.Timestamp.Counter)
	e.Bytes32(delta.ExpectedRoot)
}

func decodeDelta(d *Decoder) types.Delta {
	var delta types.Delta
	delta.ID = types.DeltaID(d.Bytes32())
	n := d.Count(MaxDeltaIDsPerReq)
	if n > 0 {
		delta.Parents = make([]types.DeltaID, 0, n)
	}
	for i := 0; i < n; i++ {
		delta.Parents = append(delta.Parents, types.DeltaID(d.Bytes32()))
	}
	delta.Payload = d.VarBytes(MaxDeltaPayload)
	delta.Timestamp.WallTime = d.U64()
	delta.Timestamp.Counter = d.U32()
	delta.ExpectedRoot = types.Hash(d.Bytes32())
	return delta
}

// StatusCode classifies a Status message.
type StatusCode uint8

const (
	CodeOK StatusCode = iota
	CodeUnauthorized
	CodeVerificationFailure
	CodeHandshakeTimeout
	CodeBudgetExceeded
	CodeNotFound
	CodeMalformed
	CodeInternal
)

func (c StatusCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeVerificationFailure:
		return "verification_failure"
	case CodeHandshakeTimeout:
		return "handshake_timeout"
	case CodeBudgetExceeded:
		return "budget_exceeded"
	case CodeNotFound:
		return "not_found"
	case CodeMalformed:
		return "malformed"
	case CodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("status(%d)", uint8(c))
	}
}

// Status is the shared Ack/Err terminator: CodeOK acknowledges, anything
// else reports why the responder is ending the exchange.
type Status struct {
	Code StatusCode
}

func (*Status) Tag() Tag { return TagStatus }

func (m *Status) encode(e *Encoder) { e.U8(uint8(m.Code)) }
func (m *Status) decode(d *Decoder) { m.Code = StatusCode(d.U8()) }

// Ack is the success Status.
func Ack() *Status { return &Status{Code: CodeOK} }

// Err builds a failure Status.
func Err(code StatusCode) *Status { return &Status{Code: code} }
