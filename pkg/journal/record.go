package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/nodetype"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// Change-log payloads carry the identity and shape of every touched state,
// enough for a replica to invalidate caches and re-fire listeners. Values
// are not replicated; replicas reload bundles on demand.

const (
	stateNode     byte = 'n'
	stateProperty byte = 'p'
)

// EncodeChanges serializes a change log into a KindChanges payload.
func EncodeChanges(changes *state.ChangeLog) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(KindChanges)
	for _, section := range [][]state.ItemState{
		changes.AddedStates(), changes.ModifiedStates(), changes.DeletedStates(),
	} {
		writeUvarint(buf, uint64(len(section)))
		for _, s := range section {
			if err := writeState(buf, s); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// DecodeChanges rebuilds a change log from a KindChanges payload.
func DecodeChanges(payload []byte) (*state.ChangeLog, error) {
	if len(payload) == 0 || payload[0] != KindChanges {
		return nil, fmt.Errorf("not a changes record: %w", errdefs.ErrProtocol)
	}
	r := bytes.NewReader(payload[1:])
	changes := state.NewChangeLog()
	for section := 0; section < 3; section++ {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("corrupt changes record: %w", errdefs.ErrProtocol)
		}
		for i := uint64(0); i < n; i++ {
			s, err := readState(r, section)
			if err != nil {
				return nil, err
			}
			switch section {
			case 0:
				changes.Added(s)
			case 1:
				changes.Modified(s)
			case 2:
				changes.Deleted(s)
			}
		}
	}
	return changes, nil
}

func writeState(buf *bytes.Buffer, s state.ItemState) error {
	switch st := s.(type) {
	case *state.NodeState:
		buf.WriteByte(stateNode)
		buf.Write(st.ID.Bytes())
		buf.Write(st.ParentID.Bytes())
		writeString(buf, st.NodeTypeName.String())
	case *state.PropertyState:
		buf.WriteByte(stateProperty)
		buf.Write(st.ID.ParentID.Bytes())
		writeString(buf, st.ID.Name.String())
	default:
		return fmt.Errorf("cannot serialize state %T", s)
	}
	return nil
}

func readState(r *bytes.Reader, section int) (state.ItemState, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("corrupt changes record: %w", errdefs.ErrProtocol)
	}
	status := state.StatusExisting
	switch section {
	case 0:
		status = state.StatusNew
	case 1:
		status = state.StatusExistingModified
	case 2:
		status = state.StatusExistingRemoved
	}
	switch kind {
	case stateNode:
		id, err := readNodeID(r)
		if err != nil {
			return nil, err
		}
		parent, err := readNodeID(r)
		if err != nil {
			return nil, err
		}
		typeName, err := readName(r)
		if err != nil {
			return nil, err
		}
		return state.NewNodeState(id, parent, typeName, status), nil
	case stateProperty:
		parent, err := readNodeID(r)
		if err != nil {
			return nil, err
		}
		name, err := readName(r)
		if err != nil {
			return nil, err
		}
		p := state.NewPropertyState(types.NewPropertyID(parent, name), status)
		return p, nil
	}
	return nil, fmt.Errorf("unknown state kind %q: %w", kind, errdefs.ErrProtocol)
}

// Namespace payloads register a (prefix, uri) pair cluster-wide.

// EncodeNamespace serializes a namespace registration.
func EncodeNamespace(prefix, uri string) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(KindNamespace)
	writeString(buf, prefix)
	writeString(buf, uri)
	return buf.Bytes()
}

// DecodeNamespace parses a namespace registration payload.
func DecodeNamespace(payload []byte) (prefix, uri string, err error) {
	if len(payload) == 0 || payload[0] != KindNamespace {
		return "", "", fmt.Errorf("not a namespace record: %w", errdefs.ErrProtocol)
	}
	r := bytes.NewReader(payload[1:])
	if prefix, err = readString(r); err != nil {
		return "", "", err
	}
	if uri, err = readString(r); err != nil {
		return "", "", err
	}
	return prefix, uri, nil
}

// Node-type payloads replicate registry operations cluster-wide.

// NodeTypeOp distinguishes the registry operation a KindNodeType record
// carries.
type NodeTypeOp byte

const (
	NodeTypeRegister   NodeTypeOp = 'r'
	NodeTypeReregister NodeTypeOp = 'e'
	NodeTypeUnregister NodeTypeOp = 'u'
)

// EncodeNodeType serializes a node-type registry operation. Unregister
// records carry a definition holding only the type name.
func EncodeNodeType(op NodeTypeOp, def *nodetype.Definition) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(KindNodeType)
	buf.WriteByte(byte(op))
	writeString(buf, def.Name.String())
	writeUvarint(buf, uint64(len(def.Supertypes)))
	for _, s := range def.Supertypes {
		writeString(buf, s.String())
	}
	writeBool(buf, def.Mixin)
	writeBool(buf, def.OrderableChildren)
	writeUvarint(buf, uint64(len(def.PropertyDefs)))
	for _, pd := range def.PropertyDefs {
		writeString(buf, pd.Name.String())
		writeBool(buf, pd.Required)
		writeBool(buf, pd.Multiple)
		writeBool(buf, pd.Protected)
		buf.WriteByte(byte(pd.Type))
	}
	return buf.Bytes()
}

// DecodeNodeType parses a node-type registry payload.
func DecodeNodeType(payload []byte) (NodeTypeOp, *nodetype.Definition, error) {
	if len(payload) < 2 || payload[0] != KindNodeType {
		return 0, nil, fmt.Errorf("not a node-type record: %w", errdefs.ErrProtocol)
	}
	op := NodeTypeOp(payload[1])
	switch op {
	case NodeTypeRegister, NodeTypeReregister, NodeTypeUnregister:
	default:
		return 0, nil, fmt.Errorf("unknown node-type op %q: %w", op, errdefs.ErrProtocol)
	}
	r := bytes.NewReader(payload[2:])
	def := &nodetype.Definition{}
	name, err := readName(r)
	if err != nil {
		return 0, nil, err
	}
	def.Name = name
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("corrupt node-type record: %w", errdefs.ErrProtocol)
	}
	for i := uint64(0); i < n; i++ {
		super, err := readName(r)
		if err != nil {
			return 0, nil, err
		}
		def.Supertypes = append(def.Supertypes, super)
	}
	if def.Mixin, err = readBool(r); err != nil {
		return 0, nil, err
	}
	if def.OrderableChildren, err = readBool(r); err != nil {
		return 0, nil, err
	}
	n, err = binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("corrupt node-type record: %w", errdefs.ErrProtocol)
	}
	for i := uint64(0); i < n; i++ {
		var pd nodetype.PropertyDef
		if pd.Name, err = readName(r); err != nil {
			return 0, nil, err
		}
		if pd.Required, err = readBool(r); err != nil {
			return 0, nil, err
		}
		if pd.Multiple, err = readBool(r); err != nil {
			return 0, nil, err
		}
		if pd.Protected, err = readBool(r); err != nil {
			return 0, nil, err
		}
		t, err := r.ReadByte()
		if err != nil {
			return 0, nil, fmt.Errorf("corrupt node-type record: %w", errdefs.ErrProtocol)
		}
		pd.Type = types.PropertyType(t)
		def.PropertyDefs = append(def.PropertyDefs, pd)
	}
	return op, def, nil
}

// Lock payloads replicate lock transitions so peers can surface holders.

// EncodeLock serializes a lock acquire (acquired=true) or release.
func EncodeLock(id types.NodeID, acquired bool, owner string) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(KindLock)
	buf.Write(id.Bytes())
	if acquired {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeString(buf, owner)
	return buf.Bytes()
}

// DecodeLock parses a lock payload.
func DecodeLock(payload []byte) (id types.NodeID, acquired bool, owner string, err error) {
	if len(payload) == 0 || payload[0] != KindLock {
		return types.NilNodeID, false, "", fmt.Errorf("not a lock record: %w", errdefs.ErrProtocol)
	}
	r := bytes.NewReader(payload[1:])
	if id, err = readNodeID(r); err != nil {
		return types.NilNodeID, false, "", err
	}
	flag, err := r.ReadByte()
	if err != nil {
		return types.NilNodeID, false, "", fmt.Errorf("corrupt lock record: %w", errdefs.ErrProtocol)
	}
	owner, err = readString(r)
	if err != nil {
		return types.NilNodeID, false, "", err
	}
	return id, flag == 1, owner, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	buf.Write(b[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("corrupt record: %w", errdefs.ErrProtocol)
	}
	return b == 1, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", fmt.Errorf("corrupt record: %w", errdefs.ErrProtocol)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("corrupt record: %w", errdefs.ErrProtocol)
	}
	return string(b), nil
}

func readName(r *bytes.Reader) (types.Name, error) {
	s, err := readString(r)
	if err != nil {
		return types.Name{}, err
	}
	name, err := types.ParseName(s)
	if err != nil {
		return types.Name{}, fmt.Errorf("corrupt record: %w", errdefs.ErrProtocol)
	}
	return name, nil
}

func readNodeID(r *bytes.Reader) (types.NodeID, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return types.NilNodeID, fmt.Errorf("corrupt record: %w", errdefs.ErrProtocol)
	}
	id, err := types.NodeIDFromBytes(b)
	if err != nil {
		return types.NilNodeID, fmt.Errorf("corrupt record: %w", errdefs.ErrProtocol)
	}
	return id, nil
}
