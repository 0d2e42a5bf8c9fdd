package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot file layout:
//
//	"SDCP" | xxhash64(payload) big-endian | payload
//
// The payload uses protobuf wire encoding with these messages:
//
//	Snapshot   1:format_version varint  2:thread (repeated)
//	Thread     1:id string              2:namespace (repeated)
//	Namespace  1:name string            2:record (repeated, append order)
//	Record     1:checkpoint  2:metadata  3:parent_id string  4:task (repeated)
//	Checkpoint 1:v varint  2:id string  3:ts_unix_nano zigzag  4:channel (repeated)
//	Channel    1:name string  2:value TypedValue  3:version varint
//	TypedValue 1:type string  2:data bytes
//	Metadata   1:source string  2:step zigzag  3:node string  4:next string
//	Task       1:task_id string  2:write (repeated)
//	Write      1:channel string  2:value TypedValue
//
// Unknown fields are skipped on decode.
const (
	snapshotMagic = "SDCP"
	headerLen     = len(snapshotMagic) + 8

	// FormatVersion is the snapshot payload version written by this package.
	FormatVersion = 1
)

var (
	errBadMagic    = errors.New("not a checkpoint snapshot")
	errChecksum    = errors.New("snapshot checksum mismatch")
	errWireType    = errors.New("unexpected wire type")
	errFormatMatch = errors.New("unsupported snapshot format version")
)

type threadLogs = map[string]map[string]*namespaceLog

func encodeSnapshot(threads threadLogs) []byte {
	var payload []byte
	payload = appendVarintField(payload, 1, FormatVersion)
	for _, id := range slices.Sorted(maps.Keys(threads)) {
		payload = appendMessageField(payload, 2, encodeThread(id, threads[id]))
	}

	out := make([]byte, 0, headerLen+len(payload))
	out = append(out, snapshotMagic...)
	out = binary.BigEndian.AppendUint64(out, xxhash.Sum64(payload))
	return append(out, payload...)
}

func encodeThread(id string, namespaces map[string]*namespaceLog) []byte {
	b := appendStringField(nil, 1, id)
	for _, name := range slices.Sorted(maps.Keys(namespaces)) {
		b = appendMessageField(b, 2, encodeNamespace(name, namespaces[name]))
	}
	return b
}

func encodeNamespace(name string, log *namespaceLog) []byte {
	b := appendStringField(nil, 1, name)
	for _, id := range log.order {
		b = appendMessageField(b, 2, encodeRecord(log.records[id]))
	}
	return b
}

func encodeRecord(r *record) []byte {
	b := appendMessageField(nil, 1, encodeCheckpoint(r.checkpoint))
	b = appendMessageField(b, 2, encodeMetadata(r.metadata))
	if r.parentID != "" {
		b = appendStringField(b, 3, r.parentID)
	}
	for _, taskID := range slices.Sorted(maps.Keys(r.tasks)) {
		b = appendMessageField(b, 4, encodeTask(taskID, r.tasks[taskID]))
	}
	return b
}

func encodeCheckpoint(c Checkpoint) []byte {
	b := appendVarintField(nil, 1, uint64(c.V))
	b = appendStringField(b, 2, c.ID)
	if !c.TS.IsZero() {
		b = appendVarintField(b, 3, protowire.EncodeZigZag(c.TS.UnixNano()))
	}
	for _, name := range c.channelNames() {
		ch := appendStringField(nil, 1, name)
		ch = appendMessageField(ch, 2, encodeTypedValue(c.ChannelValues[name]))
		ch = appendVarintField(ch, 3, uint64(c.ChannelVersions[name]))
		b = appendMessageField(b, 4, ch)
	}
	return b
}

func encodeTypedValue(v TypedValue) []byte {
	b := appendStringField(nil, 1, v.Type)
	return appendMessageField(b, 2, v.Data)
}

func encodeMetadata(m Metadata) []byte {
	b := appendStringField(nil, 1, string(m.Source))
	b = appendVarintField(b, 2, protowire.EncodeZigZag(m.Step))
	b = appendStringField(b, 3, m.Node)
	return appendStringField(b, 4, m.Next)
}

func encodeTask(taskID string, writes []Write) []byte {
	b := appendStringField(nil, 1, taskID)
	for _, w := range writes {
		wb := appendStringField(nil, 1, w.Channel)
		wb = appendMessageField(wb, 2, encodeTypedValue(w.Value))
		b = appendMessageField(b, 2, wb)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// decodeSnapshot parses a full snapshot image.
func decodeSnapshot(data []byte) (threadLogs, error) {
	if len(data) < headerLen || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, errBadMagic
	}
	sum := binary.BigEndian.Uint64(data[len(snapshotMagic):headerLen])
	payload := data[headerLen:]
	if xxhash.Sum64(payload) != sum {
		return nil, errChecksum
	}

	threads := make(threadLogs)
	var version uint64
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n := consumeVarint(typ, b)
			version = v
			return n, nil
		case 2:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			id, namespaces, err := decodeThread(msg)
			if err != nil {
				return 0, err
			}
			threads[id] = namespaces
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", errFormatMatch, version)
	}
	return threads, nil
}

func decodeThread(data []byte) (string, map[string]*namespaceLog, error) {
	var id string
	namespaces := make(map[string]*namespaceLog)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n := consumeString(typ, b)
			id = s
			return n, nil
		case 2:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			name, log, err := decodeNamespace(msg)
			if err != nil {
				return 0, err
			}
			namespaces[name] = log
			return n, nil
		}
		return 0, nil
	})
	return id, namespaces, err
}

func decodeNamespace(data []byte) (string, *namespaceLog, error) {
	var name string
	log := newNamespaceLog()
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n := consumeString(typ, b)
			name = s
			return n, nil
		case 2:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			r, err := decodeRecord(msg)
			if err != nil {
				return 0, err
			}
			if _, dup := log.records[r.checkpoint.ID]; dup {
				return 0, fmt.Errorf("duplicate checkpoint %q", r.checkpoint.ID)
			}
			log.append(r)
			return n, nil
		}
		return 0, nil
	})
	return name, log, err
}

func decodeRecord(data []byte) (*record, error) {
	r := &record{tasks: make(map[string][]Write)}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 4:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			var err error
			switch num {
			case 1:
				r.checkpoint, err = decodeCheckpoint(msg)
			case 2:
				r.metadata, err = decodeMetadata(msg)
			case 4:
				var taskID string
				var writes []Write
				taskID, writes, err = decodeTask(msg)
				r.tasks[taskID] = writes
			}
			return n, err
		case 3:
			s, n := consumeString(typ, b)
			r.parentID = s
			return n, nil
		}
		return 0, nil
	})
	return r, err
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	c := Checkpoint{
		ChannelValues:   make(map[string]TypedValue),
		ChannelVersions: make(map[string]int64),
	}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n := consumeVarint(typ, b)
			c.V = int(v)
			return n, nil
		case 2:
			s, n := consumeString(typ, b)
			c.ID = s
			return n, nil
		case 3:
			v, n := consumeVarint(typ, b)
			c.TS = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		case 4:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			return n, decodeChannel(msg, &c)
		}
		return 0, nil
	})
	return c, err
}

func decodeChannel(data []byte, c *Checkpoint) error {
	var (
		name    string
		value   TypedValue
		version uint64
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n := consumeString(typ, b)
			name = s
			return n, nil
		case 2:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			var err error
			value, err = decodeTypedValue(msg)
			return n, err
		case 3:
			v, n := consumeVarint(typ, b)
			version = v
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	c.ChannelValues[name] = value
	c.ChannelVersions[name] = int64(version)
	return nil
}

func decodeTypedValue(data []byte) (TypedValue, error) {
	var v TypedValue
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n := consumeString(typ, b)
			v.Type = s
			return n, nil
		case 2:
			raw, n := consumeBytes(typ, b)
			v.Data = slices.Clone(raw)
			return n, nil
		}
		return 0, nil
	})
	return v, err
}

func decodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n := consumeString(typ, b)
			m.Source = Source(s)
			return n, nil
		case 2:
			v, n := consumeVarint(typ, b)
			m.Step = protowire.DecodeZigZag(v)
			return n, nil
		case 3:
			s, n := consumeString(typ, b)
			m.Node = s
			return n, nil
		case 4:
			s, n := consumeString(typ, b)
			m.Next = s
			return n, nil
		}
		return 0, nil
	})
	return m, err
}

func decodeTask(data []byte) (string, []Write, error) {
	var (
		taskID string
		writes []Write
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n := consumeString(typ, b)
			taskID = s
			return n, nil
		case 2:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			w, err := decodeWrite(msg)
			writes = append(writes, w)
			return n, err
		}
		return 0, nil
	})
	return taskID, writes, err
}

func decodeWrite(data []byte) (Write, error) {
	var w Write
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n := consumeString(typ, b)
			w.Channel = s
			return n, nil
		case 2:
			msg, n := consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			var err error
			w.Value, err = decodeTypedValue(msg)
			return n, err
		}
		return 0, nil
	})
	return w, err
}

// walk iterates over the fields of one message. fn returns the number of bytes
// it consumed for the field value; 0 means the field is unknown and is skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m == wrongType {
			return fmt.Errorf("field %d: %w %d", num, errWireType, typ)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

// wrongType is returned by the consume helpers when the tag's wire type does not
// match the schema. It lies outside protowire's own error codes.
const wrongType = -100

func consumeVarint(typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, wrongType
	}
	return protowire.ConsumeVarint(b)
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, wrongType
	}
	return protowire.ConsumeBytes(b)
}

func consumeString(typ protowire.Type, b []byte) (string, int) {
	if typ != protowire.BytesType {
		return "", wrongType
	}
	return protowire.ConsumeString(b)
}
