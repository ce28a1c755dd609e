package repack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// node is an order-preserving JSON tree. Scalars keep their literal text so
// untouched numbers are written back exactly as they were read.
type node struct {
	kind    nodeKind
	raw     []byte // scalar literal
	members []member
	items   []*node
}

type nodeKind uint8

const (
	scalarNode nodeKind = iota
	objectNode
	arrayNode
)

type member struct {
	key   string
	value *node
}

func parseTree(data []byte) (*node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := readNode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level value")
	}
	return root, nil
}

func readNode(dec *json.Decoder) (*node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := &node{kind: objectNode}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", kt)
				}
				v, err := readNode(dec)
				if err != nil {
					return nil, err
				}
				n.members = append(n.members, member{key: key, value: v})
			}
			_, err := dec.Token()
			return n, err
		case '[':
			n := &node{kind: arrayNode}
			for dec.More() {
				v, err := readNode(dec)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, v)
			}
			_, err := dec.Token()
			return n, err
		}
		return nil, fmt.Errorf("unexpected delimiter %q", t)
	case string:
		return stringNode(t), nil
	case json.Number:
		return &node{kind: scalarNode, raw: []byte(t.String())}, nil
	case bool:
		return &node{kind: scalarNode, raw: []byte(strconv.FormatBool(t))}, nil
	case nil:
		return &node{kind: scalarNode, raw: []byte("null")}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func stringNode(s string) *node {
	return &node{kind: scalarNode, raw: quote(s)}
}

func quote(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func (n *node) isString() bool {
	return n.kind == scalarNode && len(n.raw) > 0 && n.raw[0] == '"'
}

func (n *node) str() (string, bool) {
	if !n.isString() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(n.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// number reads a scalar as a float. Numeric strings and booleans count.
func (n *node) number() (float64, bool) {
	if n.kind != scalarNode {
		return 0, false
	}
	switch string(n.raw) {
	case "true":
		return 1, true
	case "false":
		return 0, true
	case "null":
		return 0, false
	}
	text := string(n.raw)
	if n.isString() {
		s, ok := n.str()
		if !ok {
			return 0, false
		}
		text = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// setNumber stores v keeping the scalar's original flavour.
func (n *node) setNumber(v float64) {
	text := strconv.FormatFloat(v, 'f', -1, 64)
	switch {
	case string(n.raw) == "true" || string(n.raw) == "false":
		n.raw = []byte(strconv.FormatBool(v != 0))
	case n.isString():
		n.raw = quote(text)
	default:
		n.raw = []byte(text)
	}
}

func (n *node) get(key string) *node {
	if n == nil || n.kind != objectNode {
		return nil
	}
	for _, m := range n.members {
		if m.key == key {
			return m.value
		}
	}
	return nil
}

// set replaces key's value or appends a new member.
func (n *node) set(key string, v *node) {
	for i := range n.members {
		if n.members[i].key == key {
			n.members[i].value = v
			return
		}
	}
	n.members = append(n.members, member{key: key, value: v})
}

// walk visits every node depth-first. fn receives the member key for object
// members and "" otherwise.
func (n *node) walk(fn func(key string, v *node)) {
	switch n.kind {
	case objectNode:
		for _, m := range n.members {
			fn(m.key, m.value)
			m.value.walk(fn)
		}
	case arrayNode:
		for _, it := range n.items {
			fn("", it)
			it.walk(fn)
		}
	}
}

// encode serializes the tree. Pretty output uses two-space indentation.
func (n *node) encode(pretty bool) []byte {
	var buf bytes.Buffer
	n.write(&buf, pretty, 0)
	if pretty {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (n *node) write(buf *bytes.Buffer, pretty bool, depth int) {
	newline := func(d int) {
		if pretty {
			buf.WriteByte('\n')
			buf.WriteString(strings.Repeat("  ", d))
		}
	}
	switch n.kind {
	case objectNode:
		if len(n.members) == 0 {
			buf.WriteString("{}")
			return
		}
		buf.WriteByte('{')
		for i, m := range n.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			newline(depth + 1)
			buf.Write(quote(m.key))
			buf.WriteByte(':')
			if pretty {
				buf.WriteByte(' ')
			}
			m.value.write(buf, pretty, depth+1)
		}
		newline(depth)
		buf.WriteByte('}')
	case arrayNode:
		if len(n.items) == 0 {
			buf.WriteString("[]")
			return
		}
		buf.WriteByte('[')
		for i, it := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			newline(depth + 1)
			it.write(buf, pretty, depth+1)
		}
		newline(depth)
		buf.WriteByte(']')
	default:
		buf.Write(n.raw)
	}
}
