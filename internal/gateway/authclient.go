package gateway

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/cuihairu/chirp/internal/protocol"
	"github.com/cuihairu/chirp/internal/transport"
)

// LoginFunc receives the outcome of an async login RPC.
type LoginFunc func(protocol.LoginResponse)

// LogoutFunc receives the outcome of an async logout RPC.
type LogoutFunc func(protocol.LogoutResponse)

type authJob struct {
	msgID    protocol.MsgID
	body     []byte
	seq      int64
	loginCB  LoginFunc
	logoutCB LogoutFunc
}

// AuthClient issues login/logout RPCs to the auth service from a dedicated
// serial worker, so the session read loops never block on the network. Each
// job opens a fresh connection, sends one framed request, and reads exactly
// one framed response. Any failure (connect, read, decode, wrong response
// kind) surfaces to the callback as INTERNAL_ERROR.
type AuthClient struct {
	addr   string
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    *queue.Queue
	stopped bool
	done    sync.WaitGroup
}

// NewAuthClient starts the worker targeting host:port.
func NewAuthClient(host string, port int, logger zerolog.Logger) *AuthClient {
	c := &AuthClient{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		logger: logger.With().Str("component", "auth_client").Logger(),
		jobs:   queue.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	c.done.Add(1)
	go c.run()
	return c
}

// AsyncLogin queues a login RPC. The callback runs on the worker goroutine.
func (c *AuthClient) AsyncLogin(req protocol.LoginRequest, seq int64, cb LoginFunc) {
	c.submit(authJob{msgID: protocol.MsgLoginReq, body: protocol.MarshalBody(req), seq: seq, loginCB: cb})
}

// AsyncLogout queues a logout RPC.
func (c *AuthClient) AsyncLogout(req protocol.LogoutRequest, seq int64, cb LogoutFunc) {
	c.submit(authJob{msgID: protocol.MsgLogoutReq, body: protocol.MarshalBody(req), seq: seq, logoutCB: cb})
}

func (c *AuthClient) submit(job authJob) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.fail(job)
		return
	}
	c.jobs.Add(job)
	c.mu.Unlock()
	c.cond.Signal()
}

// Stop drains the queue and joins the worker; queued callbacks still run.
func (c *AuthClient) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.done.Wait()
}

func (c *AuthClient) run() {
	defer c.done.Done()
	for {
		c.mu.Lock()
		for c.jobs.Length() == 0 && !c.stopped {
			c.cond.Wait()
		}
		if c.jobs.Length() == 0 && c.stopped {
			c.mu.Unlock()
			return
		}
		job := c.jobs.Remove().(authJob)
		c.mu.Unlock()

		c.process(job)
	}
}

func (c *AuthClient) process(job authJob) {
	resp, err := c.roundTrip(job)
	if err != nil {
		c.logger.Warn().Err(err).Msg("auth rpc failed")
		c.fail(job)
		return
	}

	wantResp := protocol.MsgLoginResp
	if job.msgID == protocol.MsgLogoutReq {
		wantResp = protocol.MsgLogoutResp
	}

	if job.msgID == protocol.MsgLoginReq {
		out := protocol.LoginResponse{Code: protocol.CodeInternalError, ServerTime: time.Now().UnixMilli()}
		if resp.MsgID == wantResp {
			if err := protocol.UnmarshalBody(resp.Body, &out); err != nil {
				out = protocol.LoginResponse{Code: protocol.CodeInternalError, ServerTime: time.Now().UnixMilli()}
			}
		}
		if job.loginCB != nil {
			job.loginCB(out)
		}
		return
	}

	out := protocol.LogoutResponse{Code: protocol.CodeInternalError, ServerTime: time.Now().UnixMilli()}
	if resp.MsgID == wantResp {
		if err := protocol.UnmarshalBody(resp.Body, &out); err != nil {
			out = protocol.LogoutResponse{Code: protocol.CodeInternalError, ServerTime: time.Now().UnixMilli()}
		}
	}
	if job.logoutCB != nil {
		job.logoutCB(out)
	}
}

// roundTrip performs one framed request/response exchange on a fresh
// connection.
func (c *AuthClient) roundTrip(job authJob) (protocol.Packet, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("auth dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	pkt := protocol.Packet{MsgID: job.msgID, Sequence: job.seq, Body: job.body}
	if _, err := conn.Write(transport.EncodeFrame(pkt.Encode())); err != nil {
		return protocol.Packet{}, fmt.Errorf("auth write: %w", err)
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return protocol.Packet{}, fmt.Errorf("auth read header: %w", err)
	}
	n := uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return protocol.Packet{}, fmt.Errorf("auth read payload: %w", err)
	}

	resp, err := protocol.Decode(payload)
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("auth decode: %w", err)
	}
	return resp, nil
}

// fail completes a job with INTERNAL_ERROR.
func (c *AuthClient) fail(job authJob) {
	now := time.Now().UnixMilli()
	if job.loginCB != nil {
		job.loginCB(protocol.LoginResponse{Code: protocol.CodeInternalError, ServerTime: now})
	}
	if job.logoutCB != nil {
		job.logoutCB(protocol.LogoutResponse{Code: protocol.CodeInternalError, ServerTime: now})
	}
}
