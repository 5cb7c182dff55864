package rofsock

import "encoding/binary"

// Protocol versions with a built-in schema.
const (
	Version10 uint8 = 0x01
	Version12 uint8 = 0x03
	Version13 uint8 = 0x04
)

// Type tags shared by every built-in version.
const (
	TypeHello       uint8 = 0
	TypeError       uint8 = 1
	TypeEchoRequest uint8 = 2
	TypeEchoReply   uint8 = 3
)

// Message kinds known to the built-in schemas.
const (
	KindHello                 Kind = "hello"
	KindError                 Kind = "error"
	KindEchoRequest           Kind = "echo_request"
	KindEchoReply             Kind = "echo_reply"
	KindExperimenter          Kind = "experimenter"
	KindFeaturesRequest       Kind = "features_request"
	KindFeaturesReply         Kind = "features_reply"
	KindGetConfigRequest      Kind = "get_config_request"
	KindGetConfigReply        Kind = "get_config_reply"
	KindSetConfig             Kind = "set_config"
	KindPacketIn              Kind = "packet_in"
	KindFlowRemoved           Kind = "flow_removed"
	KindPortStatus            Kind = "port_status"
	KindPacketOut             Kind = "packet_out"
	KindFlowMod               Kind = "flow_mod"
	KindGroupMod              Kind = "group_mod"
	KindPortMod               Kind = "port_mod"
	KindTableMod              Kind = "table_mod"
	KindStatsRequest          Kind = "stats_request"
	KindStatsReply            Kind = "stats_reply"
	KindBarrierRequest        Kind = "barrier_request"
	KindBarrierReply          Kind = "barrier_reply"
	KindQueueGetConfigRequest Kind = "queue_get_config_request"
	KindQueueGetConfigReply   Kind = "queue_get_config_reply"
	KindRoleRequest           Kind = "role_request"
	KindRoleReply             Kind = "role_reply"
	KindGetAsyncRequest       Kind = "get_async_request"
	KindGetAsyncReply         Kind = "get_async_reply"
	KindSetAsync              Kind = "set_async"
)

// DecodeFunc validates the structure of a message whose version and type
// are known and fills in its variant fields.
type DecodeFunc func(s *Schema, spec TypeSpec, m *Message) (*Message, error)

// TypeSpec is one (version, type) table entry.
type TypeSpec struct {
	Kind      Kind
	MinLength int
	Class     PriorityClass
	Decode    DecodeFunc
}

// Schema is the decode and classification table of one protocol version.
// It is read-only once built.
type Schema struct {
	Version uint8
	Name    string

	types map[uint8]TypeSpec
	// statistics / multipart sub-type -> kind prefix
	statsKinds  map[uint16]string
	statsHeader int
}

func newSchema(version uint8, name string, statsHeader int) *Schema {
	return &Schema{
		Version:     version,
		Name:        name,
		types:       make(map[uint8]TypeSpec),
		statsKinds:  make(map[uint16]string),
		statsHeader: statsHeader,
	}
}

// Lookup returns the entry registered for a type tag.
func (s *Schema) Lookup(t uint8) (TypeSpec, bool) {
	spec, ok := s.types[t]
	return spec, ok
}

func (s *Schema) add(t uint8, kind Kind, minLength int, class PriorityClass, fn DecodeFunc) {
	s.types[t] = TypeSpec{Kind: kind, MinLength: minLength, Class: class, Decode: fn}
}

func (s *Schema) mgmt(t uint8, kind Kind, minLength int) {
	s.add(t, kind, minLength, ClassManagement, decodeFixed)
}

func (s *Schema) flow(t uint8, kind Kind, minLength int) {
	s.add(t, kind, minLength, ClassFlow, decodeFixed)
}

func (s *Schema) packet(t uint8, kind Kind, minLength int) {
	s.add(t, kind, minLength, ClassPacket, decodeFixed)
}

func (s *Schema) stats(t uint8, kind Kind) {
	s.add(t, kind, s.statsHeader, ClassManagement, decodeStats)
}

func decodeFixed(_ *Schema, spec TypeSpec, m *Message) (*Message, error) {
	if m.Length() < spec.MinLength {
		return nil, &MalformedError{Kind: spec.Kind, Reason: "too short", Msg: m}
	}
	m.Kind = spec.Kind
	return m, nil
}

// decodeStats reads the sub-type tag that follows the header of stats and
// multipart messages. Unknown sub-types keep the generic stats kind.
func decodeStats(s *Schema, spec TypeSpec, m *Message) (*Message, error) {
	if m.Length() < s.statsHeader {
		return nil, &MalformedError{Kind: spec.Kind, Reason: "too short", Msg: m}
	}
	m.Subtype = binary.BigEndian.Uint16(m.Payload[0:2])
	m.Kind = spec.Kind
	if prefix, ok := s.statsKinds[m.Subtype]; ok {
		suffix := "_stats_request"
		if spec.Kind == KindStatsReply {
			suffix = "_stats_reply"
		}
		m.Kind = Kind(prefix + suffix)
	}
	return m, nil
}

var builtinSchemas = []*Schema{openflow10(), openflow12(), openflow13()}

// OpenFlow10 returns the built-in OpenFlow 1.0 schema.
func OpenFlow10() *Schema { return builtinSchemas[0] }

// OpenFlow12 returns the built-in OpenFlow 1.2 schema.
func OpenFlow12() *Schema { return builtinSchemas[1] }

// OpenFlow13 returns the built-in OpenFlow 1.3 schema.
func OpenFlow13() *Schema { return builtinSchemas[2] }

func openflow10() *Schema {
	s := newSchema(Version10, "OpenFlow 1.0", 12)
	s.mgmt(TypeHello, KindHello, 8)
	s.mgmt(TypeError, KindError, 12)
	s.mgmt(TypeEchoRequest, KindEchoRequest, 8)
	s.mgmt(TypeEchoReply, KindEchoReply, 8)
	s.mgmt(4, KindExperimenter, 12)
	s.mgmt(5, KindFeaturesRequest, 8)
	s.mgmt(6, KindFeaturesReply, 32)
	s.mgmt(7, KindGetConfigRequest, 8)
	s.mgmt(8, KindGetConfigReply, 12)
	s.mgmt(9, KindSetConfig, 12)
	s.packet(10, KindPacketIn, 18)
	s.flow(11, KindFlowRemoved, 88)
	s.mgmt(12, KindPortStatus, 64)
	s.packet(13, KindPacketOut, 16)
	s.flow(14, KindFlowMod, 72)
	s.mgmt(15, KindPortMod, 32)
	s.stats(16, KindStatsRequest)
	s.stats(17, KindStatsReply)
	s.mgmt(18, KindBarrierRequest, 8)
	s.mgmt(19, KindBarrierReply, 8)
	s.mgmt(20, KindQueueGetConfigRequest, 12)
	s.mgmt(21, KindQueueGetConfigReply, 16)

	s.statsKinds[0] = "desc"
	s.statsKinds[1] = "flow"
	s.statsKinds[2] = "aggr"
	s.statsKinds[3] = "table"
	s.statsKinds[4] = "port"
	s.statsKinds[5] = "queue"
	return s
}

// openflow12 also carries the async-config types, which peers of this
// era already sent under version 0x03.
func openflow12() *Schema {
	s := newSchema(Version12, "OpenFlow 1.2", 16)
	addOpenFlow12Types(s)
	s.stats(18, KindStatsRequest)
	s.stats(19, KindStatsReply)

	s.statsKinds[0] = "desc"
	s.statsKinds[1] = "flow"
	s.statsKinds[2] = "aggr"
	s.statsKinds[3] = "table"
	s.statsKinds[4] = "port"
	s.statsKinds[5] = "queue"
	s.statsKinds[6] = "group"
	s.statsKinds[7] = "group_desc"
	s.statsKinds[8] = "group_features"
	return s
}

func openflow13() *Schema {
	s := newSchema(Version13, "OpenFlow 1.3", 16)
	addOpenFlow12Types(s)
	s.packet(10, KindPacketIn, 32)
	s.stats(18, KindStatsRequest)
	s.stats(19, KindStatsReply)

	s.statsKinds[0] = "desc"
	s.statsKinds[1] = "flow"
	s.statsKinds[2] = "aggr"
	s.statsKinds[3] = "table"
	s.statsKinds[4] = "port"
	s.statsKinds[5] = "queue"
	s.statsKinds[6] = "group"
	s.statsKinds[7] = "group_desc"
	s.statsKinds[8] = "group_features"
	s.statsKinds[12] = "table_features"
	s.statsKinds[13] = "port_desc"
	return s
}

func addOpenFlow12Types(s *Schema) {
	s.mgmt(TypeHello, KindHello, 8)
	s.mgmt(TypeError, KindError, 12)
	s.mgmt(TypeEchoRequest, KindEchoRequest, 8)
	s.mgmt(TypeEchoReply, KindEchoReply, 8)
	s.mgmt(4, KindExperimenter, 16)
	s.mgmt(5, KindFeaturesRequest, 8)
	s.mgmt(6, KindFeaturesReply, 32)
	s.mgmt(7, KindGetConfigRequest, 8)
	s.mgmt(8, KindGetConfigReply, 12)
	s.mgmt(9, KindSetConfig, 12)
	s.packet(10, KindPacketIn, 24)
	s.flow(11, KindFlowRemoved, 56)
	s.mgmt(12, KindPortStatus, 80)
	s.packet(13, KindPacketOut, 24)
	s.flow(14, KindFlowMod, 56)
	s.mgmt(15, KindGroupMod, 16)
	s.mgmt(16, KindPortMod, 40)
	s.mgmt(17, KindTableMod, 16)
	s.mgmt(20, KindBarrierRequest, 8)
	s.mgmt(21, KindBarrierReply, 8)
	s.mgmt(22, KindQueueGetConfigRequest, 16)
	s.mgmt(23, KindQueueGetConfigReply, 16)
	s.mgmt(24, KindRoleRequest, 24)
	s.mgmt(25, KindRoleReply, 24)
	s.mgmt(26, KindGetAsyncRequest, 8)
	s.mgmt(27, KindGetAsyncReply, 32)
	s.mgmt(28, KindSetAsync, 32)
}
