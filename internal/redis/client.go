package redis

import (
	"fmt"
	"net"
	"strconv"
)

// Client is a synchronous RESP2 command sender. It is not safe for
// concurrent use; the session ownership worker drives it from a single
// goroutine. The connection is dialed lazily and redialed after any error.
type Client struct {
	addr string
	conn net.Conn
	par  Parser
	rbuf []byte
}

// NewClient targets host:port without connecting.
func NewClient(host string, port int) *Client {
	return &Client{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		rbuf: make([]byte, 4096),
	}
}

// Do sends one command and waits for one top-level reply.
func (c *Client) Do(args ...string) (Value, error) {
	if c.conn == nil {
		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			return Value{}, fmt.Errorf("redis dial %s: %w", c.addr, err)
		}
		c.conn = conn
		c.par = Parser{}
	}

	if _, err := c.conn.Write(BuildCommand(args...)); err != nil {
		c.reset()
		return Value{}, fmt.Errorf("redis write: %w", err)
	}

	for {
		if v, ok := c.par.Pop(); ok {
			if v.Kind == KindError {
				return v, fmt.Errorf("redis error reply: %s", v.Str)
			}
			return v, nil
		}
		n, err := c.conn.Read(c.rbuf)
		if err != nil {
			c.reset()
			return Value{}, fmt.Errorf("redis read: %w", err)
		}
		c.par.Append(c.rbuf[:n])
	}
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close drops the connection, if any.
func (c *Client) Close() { c.reset() }

// Get returns the string value of key, with ok=false for a null reply.
func (c *Client) Get(key string) (string, bool, error) {
	v, err := c.Do("GET", key)
	if err != nil {
		return "", false, err
	}
	if v.Kind == KindBulkString {
		return v.Str, true, nil
	}
	return "", false, nil
}

// SetEx sets key to value with a TTL in seconds; true iff Redis replied OK.
func (c *Client) SetEx(key, value string, ttlSeconds int) (bool, error) {
	v, err := c.Do("SET", key, value, "EX", strconv.Itoa(ttlSeconds))
	if err != nil {
		return false, err
	}
	return v.Kind == KindSimpleString && v.Str == "OK", nil
}

// Del removes key; true iff Redis replied with an integer.
func (c *Client) Del(key string) (bool, error) {
	v, err := c.Do("DEL", key)
	if err != nil {
		return false, err
	}
	return v.Kind == KindInteger, nil
}

// Publish sends payload on channel; true iff Redis replied with an integer.
func (c *Client) Publish(channel, payload string) (bool, error) {
	v, err := c.Do("PUBLISH", channel, payload)
	if err != nil {
		return false, err
	}
	return v.Kind == KindInteger, nil
}
