package protocol

import (
	"fmt"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"math"
)

// Message is a single frame.
// Args and Value hold JSON-like data: nil, bool, float64, string,
// []interface{} and map[string]interface{}.
type Message struct {
	Type   Type
	ID     uint32
	Method string
	Args   map[string]interface{}
	Value  interface{}
	Error  string
}

// Is reports whether the message has the given type.
func (m *Message) Is(t Type) bool {
	return m.Type == t
}

// Arg returns the string argument with the given name or an empty string.
func (m *Message) Arg(name string) string {
	s, _ := m.Args[name].(string)
	return s
}

// Marshal encodes the message.
func (m *Message) Marshal() ([]byte, error) {
	fields := map[string]interface{}{
		"type": string(m.Type),
	}
	if m.ID != 0 {
		fields["id"] = m.ID
	}
	if m.Method != "" {
		fields["method"] = m.Method
	}
	if m.Args != nil {
		fields["args"] = m.Args
	}
	if m.Value != nil {
		fields["value"] = m.Value
	}
	if m.Error != "" {
		fields["error"] = m.Error
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return proto.Marshal(s)
}

// Unmarshal decodes a message that was encoded with Message.Marshal.
// Method names are normalized with NormalizeMethod.
func Unmarshal(data []byte) (*Message, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	fields := s.AsMap()
	t, _ := fields["type"].(string)
	if t == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	m := &Message{
		Type:  Type(t),
		Value: fields["value"],
	}
	if raw, ok := fields["id"]; ok {
		id, ok := raw.(float64)
		if !ok || id < 0 || id > math.MaxUint32 || id != math.Trunc(id) {
			return nil, fmt.Errorf("%w: invalid id %v", ErrMalformed, raw)
		}
		m.ID = uint32(id)
	}
	if method, ok := fields["method"].(string); ok {
		m.Method = NormalizeMethod(method)
	}
	if raw, ok := fields["args"]; ok && raw != nil {
		args, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: args must be an object", ErrMalformed)
		}
		m.Args = args
	}
	m.Error, _ = fields["error"].(string)
	return m, nil
}
