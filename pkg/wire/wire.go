// Package wire implements the block encodings shared by the tree and its peers.
//
// Four messages travel over the feed: the Header written at seq 0, the
// Node written at every tree block, the YoloIndex nested inside each
// Node, and the Extension messages gossiped between peers. All of them
// use the protobuf wire format with packed varint arrays, written and
// read directly with protowire so the byte layout is canonical: two
// encodings of the same logical content are identical.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protocol is the value carried by every header block.
const Protocol = "hyperbee"

var (
	ErrTruncated    = errors.New("wire: truncated message")
	ErrUnknownField = errors.New("wire: unknown field")
	ErrBadProtocol  = errors.New("wire: unexpected protocol header")
)

// Metadata carries optional header metadata.
type Metadata struct {
	ContentFeed []byte
}

// Header is the block stored at seq 0.
type Header struct {
	Protocol string
	Metadata *Metadata
}

// Node is the block stored at every tree seq. A nil Value marks a
// tombstone; an empty non-nil Value is a regular empty value.
type Node struct {
	Index []byte
	Key   []byte
	Value []byte
}

// Level is one node of the changed spine: key seqs plus flattened
// (seq, offset) child pairs. len(Children) is always even.
type Level struct {
	Keys     []uint64
	Children []uint64
}

// YoloIndex is the per-block serialization of the changed spine.
// Levels[0] is the root published by the block.
type YoloIndex struct {
	Levels []Level
}

// CacheMessage announces blocks a peer holds.
type CacheMessage struct {
	Start  uint64
	End    uint64
	Blocks []uint64
}

// GetMessage asks a peer for the block spine of a key.
type GetMessage struct {
	Head uint64
	Key  []byte
}

// Extension is the peer gossip envelope.
type Extension struct {
	Cache *CacheMessage
	Get   *GetMessage
}

func appendPacked(b []byte, num protowire.Number, vals []uint64) []byte {
	if len(vals) == 0 {
		return b
	}
	size := 0
	for _, v := range vals {
		size += protowire.SizeVarint(v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(size))
	for _, v := range vals {
		b = protowire.AppendVarint(b, v)
	}
	return b
}

func consumePacked(v []byte) ([]uint64, error) {
	var vals []uint64
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, ErrTruncated
		}
		vals = append(vals, x)
		v = v[n:]
	}
	return vals, nil
}

// EncodeHeader encodes a header block payload.
func EncodeHeader(h *Header) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, h.Protocol)
	if h.Metadata != nil {
		var m []byte
		if h.Metadata.ContentFeed != nil {
			m = protowire.AppendTag(m, 1, protowire.BytesType)
			m = protowire.AppendBytes(m, h.Metadata.ContentFeed)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// DecodeHeader decodes a header block payload.
func DecodeHeader(b []byte) (*Header, error) {
	h := &Header{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			h.Protocol = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			md, err := decodeMetadata(v)
			if err != nil {
				return nil, err
			}
			h.Metadata = md
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: header field %d", ErrUnknownField, num)
			}
			b = b[n:]
		}
	}
	if h.Protocol == "" {
		return nil, fmt.Errorf("%w: missing protocol", ErrBadProtocol)
	}
	return h, nil
}

func decodeMetadata(b []byte) (*Metadata, error) {
	md := &Metadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			md.ContentFeed = append([]byte(nil), v...)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: metadata field %d", ErrUnknownField, num)
		}
		b = b[n:]
	}
	return md, nil
}

// EncodeNode encodes a tree block payload. A nil Value is omitted,
// which is how tombstones are represented on the wire.
func EncodeNode(nd *Node) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, nd.Index)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, nd.Key)
	if nd.Value != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, nd.Value)
	}
	return b
}

// DecodeNode decodes a tree block payload.
func DecodeNode(b []byte) (*Node, error) {
	nd := &Node{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		if typ != protowire.BytesType || num > 3 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: node field %d", ErrUnknownField, num)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		switch num {
		case 1:
			nd.Index = append([]byte(nil), v...)
		case 2:
			nd.Key = append([]byte(nil), v...)
		case 3:
			nd.Value = append([]byte{}, v...)
		}
		b = b[n:]
	}
	return nd, nil
}

// EncodeIndex encodes a YoloIndex.
func EncodeIndex(idx *YoloIndex) []byte {
	var b []byte
	for _, lvl := range idx.Levels {
		var l []byte
		l = appendPacked(l, 1, lvl.Keys)
		l = appendPacked(l, 2, lvl.Children)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, l)
	}
	return b
}

// DecodeIndex decodes a YoloIndex.
func DecodeIndex(b []byte) (*YoloIndex, error) {
	idx := &YoloIndex{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: index field %d", ErrUnknownField, num)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		lvl, err := decodeLevel(v)
		if err != nil {
			return nil, err
		}
		idx.Levels = append(idx.Levels, lvl)
		b = b[n:]
	}
	return idx, nil
}

func decodeLevel(b []byte) (Level, error) {
	var lvl Level
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return lvl, ErrTruncated
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return lvl, fmt.Errorf("%w: level field %d", ErrUnknownField, num)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return lvl, ErrTruncated
		}
		vals, err := consumePacked(v)
		if err != nil {
			return lvl, err
		}
		switch num {
		case 1:
			lvl.Keys = vals
		case 2:
			if len(vals)%2 != 0 {
				return lvl, fmt.Errorf("wire: odd children array length %d", len(vals))
			}
			lvl.Children = vals
		}
		b = b[n:]
	}
	return lvl, nil
}

// EncodeExtension encodes a peer gossip message.
func EncodeExtension(ext *Extension) []byte {
	var b []byte
	if ext.Cache != nil {
		var m []byte
		if ext.Cache.Start != 0 {
			m = protowire.AppendTag(m, 1, protowire.VarintType)
			m = protowire.AppendVarint(m, ext.Cache.Start)
		}
		if ext.Cache.End != 0 {
			m = protowire.AppendTag(m, 2, protowire.VarintType)
			m = protowire.AppendVarint(m, ext.Cache.End)
		}
		m = appendPacked(m, 3, ext.Cache.Blocks)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if ext.Get != nil {
		var m []byte
		if ext.Get.Head != 0 {
			m = protowire.AppendTag(m, 1, protowire.VarintType)
			m = protowire.AppendVarint(m, ext.Get.Head)
		}
		if ext.Get.Key != nil {
			m = protowire.AppendTag(m, 2, protowire.BytesType)
			m = protowire.AppendBytes(m, ext.Get.Key)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// DecodeExtension decodes a peer gossip message.
func DecodeExtension(b []byte) (*Extension, error) {
	ext := &Extension{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: extension field %d", ErrUnknownField, num)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		switch num {
		case 1:
			msg, err := decodeCache(v)
			if err != nil {
				return nil, err
			}
			ext.Cache = msg
		case 2:
			msg, err := decodeGet(v)
			if err != nil {
				return nil, err
			}
			ext.Get = msg
		}
		b = b[n:]
	}
	return ext, nil
}

func decodeCache(b []byte) (*CacheMessage, error) {
	msg := &CacheMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == 1 || num == 2):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			if num == 1 {
				msg.Start = v
			} else {
				msg.End = v
			}
			b = b[n:]
		case typ == protowire.BytesType && num == 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			vals, err := consumePacked(v)
			if err != nil {
				return nil, err
			}
			msg.Blocks = vals
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: cache field %d", ErrUnknownField, num)
			}
			b = b[n:]
		}
	}
	return msg, nil
}

func decodeGet(b []byte) (*GetMessage, error) {
	msg := &GetMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && num == 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.Head = v
			b = b[n:]
		case typ == protowire.BytesType && num == 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.Key = append([]byte(nil), v...)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: get field %d", ErrUnknownField, num)
			}
			b = b[n:]
		}
	}
	return msg, nil
}
