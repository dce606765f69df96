// Package redis is a minimal RESP2 client: a streaming reply parser, a
// synchronous command sender, and a pub/sub subscriber. It speaks only the
// commands the session ownership layer needs (GET, SET EX, DEL, PUBLISH,
// SUBSCRIBE); no AUTH, SELECT, HELLO, or pipelining.
package redis

import (
	"bytes"
	"strconv"
)

// Kind enumerates RESP2 value types.
type Kind int

const (
	KindSimpleString Kind = iota
	KindError
	KindInteger
	KindBulkString
	KindArray
	KindNull
)

// Value is one parsed RESP reply. Null covers both $-1 and *-1.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Array []Value
}

// Parser accumulates reply bytes and pops whole top-level values.
type Parser struct {
	buf []byte
}

// Append adds raw reply bytes.
func (p *Parser) Append(b []byte) {
	p.buf = append(p.buf, b...)
}

// Pop returns the next complete top-level value, removing exactly its bytes
// from the buffer. Returns false until a whole value is buffered.
func (p *Parser) Pop() (Value, bool) {
	v, n, ok := p.parseAt(0)
	if !ok {
		return Value{}, false
	}
	p.buf = p.buf[n:]
	return v, true
}

// readLine returns the line starting at off (without CRLF) and the offset
// just past its CRLF.
func (p *Parser) readLine(off int) (string, int, bool) {
	idx := bytes.Index(p.buf[off:], []byte("\r\n"))
	if idx < 0 {
		return "", 0, false
	}
	return string(p.buf[off : off+idx]), off + idx + 2, true
}

func (p *Parser) parseAt(off int) (Value, int, bool) {
	if off >= len(p.buf) {
		return Value{}, 0, false
	}

	switch p.buf[off] {
	case '+', '-', ':':
		line, next, ok := p.readLine(off + 1)
		if !ok {
			return Value{}, 0, false
		}
		switch p.buf[off] {
		case '+':
			return Value{Kind: KindSimpleString, Str: line}, next, true
		case '-':
			return Value{Kind: KindError, Str: line}, next, true
		default:
			n, _ := strconv.ParseInt(line, 10, 64)
			return Value{Kind: KindInteger, Int: n}, next, true
		}

	case '$':
		line, next, ok := p.readLine(off + 1)
		if !ok {
			return Value{}, 0, false
		}
		n, _ := strconv.ParseInt(line, 10, 64)
		if n < 0 {
			return Value{Kind: KindNull}, next, true
		}
		end := next + int(n) + 2
		if len(p.buf) < end {
			return Value{}, 0, false
		}
		return Value{Kind: KindBulkString, Str: string(p.buf[next : next+int(n)])}, end, true

	case '*':
		line, next, ok := p.readLine(off + 1)
		if !ok {
			return Value{}, 0, false
		}
		n, _ := strconv.ParseInt(line, 10, 64)
		if n < 0 {
			return Value{Kind: KindNull}, next, true
		}
		v := Value{Kind: KindArray, Array: make([]Value, 0, n)}
		cur := next
		for i := int64(0); i < n; i++ {
			child, childEnd, ok := p.parseAt(cur)
			if !ok {
				return Value{}, 0, false
			}
			v.Array = append(v.Array, child)
			cur = childEnd
		}
		return v, cur, true
	}

	return Value{}, 0, false
}

// BuildCommand encodes args as a RESP array of bulk strings.
func BuildCommand(args ...string) []byte {
	var b bytes.Buffer
	b.WriteByte('*')
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, a := range args {
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(len(a)))
		b.WriteString("\r\n")
		b.WriteString(a)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}
