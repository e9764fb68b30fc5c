// Package server exposes the engine over TCP. Every connection gets its own
// session, so table variables live as long as the connection.
package server

import (
	"bytes"
	"encoding/gob"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"tvam/engine"
	"tvam/logger"
	"tvam/util"
)

const (
	ClientPrefix  = 0x08
	ExecutePrefix = 0x02
	StatusPrefix  = 0x05
	RespErrPrefix = 0x06
)

var ErrBadHeader = errors.New("conn protocol validation failed: invalid packet header")

type Server struct {
	Engine   *engine.Engine
	Listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(e *engine.Engine) *Server {
	return &Server{Engine: e, conns: map[net.Conn]struct{}{}}
}

func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.Listener = listener
	logger.Infof("listening on %s", listener.Addr())
	return nil
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			logger.Warnf("accept: %v", err)
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		session := NewSession(s.Engine)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			session.Handle(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close stops accepting, drops every connection and waits for their
// sessions to end.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.Listener != nil {
		err = s.Listener.Close()
	}
	s.wg.Wait()
	return err
}

type Request interface {
	requestType()
}

type Execute struct {
	Data string
}

func (*Execute) requestType() {}

type Status struct {
	Data *engine.Status
}

func (*Status) requestType()  {}
func (*Status) responseType() {}

type Response interface {
	responseType()
}

type ExecuteResp struct {
	Data engine.ResultSet
}

func (*ExecuteResp) responseType() {}

type RespError struct {
	Errmsg string
}

func (*RespError) responseType() {}

type ClientSession struct {
	Engine  *engine.Engine
	Session *engine.Session
}

func NewSession(e *engine.Engine) *ClientSession {
	return &ClientSession{
		Engine:  e,
		Session: e.NewSession(),
	}
}

// NetConn marks a failure of the connection itself rather than of a request.
type NetConn struct {
	Err error
}

func (n *NetConn) Error() string {
	return n.Err.Error()
}

func (n *NetConn) Unwrap() error {
	return n.Err
}

// Handle serves requests until the client goes away, then closes the session.
func (s *ClientSession) Handle(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if err := s.Session.Close(); err != nil {
			logger.Warnf("closing session %s: %v", s.Session.ID(), err)
		}
	}()
	logger.Infof("session %s connected from %s", s.Session.ID(), conn.RemoteAddr())

	for {
		resp, err := s.Request(conn)
		var netErr *NetConn
		if errors.As(err, &netErr) {
			if !errors.Is(netErr.Err, io.EOF) {
				logger.Warnf("session %s: %v", s.Session.ID(), netErr.Err)
			}
			return
		}

		prefix := [2]byte{ClientPrefix}
		var respByte []byte
		if err != nil {
			prefix[1] = RespErrPrefix
			respByte, err = util.BinaryStructToByte(&RespError{Errmsg: err.Error()})
		} else {
			switch v := resp.(type) {
			case *ExecuteResp:
				prefix[1] = ExecutePrefix
				respByte, err = util.BinaryStructToByte(v)
			case *Status:
				prefix[1] = StatusPrefix
				respByte, err = util.BinaryStructToByte(v)
			}
		}
		if err != nil {
			logger.Errorf("session %s: encode response: %v", s.Session.ID(), err)
			return
		}
		if err = util.SendPrefixMsg(conn, prefix, respByte); err != nil {
			logger.Warnf("session %s: send response: %v", s.Session.ID(), err)
			return
		}
	}
}

// Request reads one request and runs it.
func (s *ClientSession) Request(conn net.Conn) (Response, error) {
	prefix, err := util.ReceivePrefix(conn)
	if err != nil {
		return nil, &NetConn{Err: err}
	}
	if prefix[0] != ClientPrefix {
		return nil, &NetConn{Err: ErrBadHeader}
	}
	reqByte, err := util.ReceiveMsg(conn)
	if err != nil {
		return nil, &NetConn{Err: err}
	}

	switch prefix[1] {
	case ExecutePrefix:
		execute := Execute{}
		if err = util.ByteToStruct(reqByte, &execute); err != nil {
			return nil, err
		}
		result, err := s.Session.Execute(execute.Data)
		if err != nil {
			return nil, err
		}
		return &ExecuteResp{Data: result}, nil

	case StatusPrefix:
		status, err := s.Engine.Status()
		if err != nil {
			return nil, err
		}
		return &Status{Data: status}, nil
	}
	return nil, &NetConn{Err: ErrBadHeader}
}

func GobReg() {
	engine.GobReg()
	gob.Register(&Execute{})
	gob.Register(&ExecuteResp{})
	gob.Register(&Status{})
	gob.Register(&RespError{})

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(&Execute{})
	_ = enc.Encode(&ExecuteResp{})
	_ = enc.Encode(&Status{})
	_ = enc.Encode(&RespError{})
}
