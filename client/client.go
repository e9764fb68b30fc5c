package main

import (
	"net"

	"github.com/pkg/errors"

	"tvam/engine"
	"tvam/server"
	"tvam/util"
)

var ErrNoResponse = errors.New("server is not responding")

// Client talks to one server connection, which holds one engine session.
type Client struct {
	Conn net.Conn
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return &Client{Conn: conn}, nil
}

func (c *Client) Call(request server.Request) (server.Response, error) {
	prefix := [2]byte{server.ClientPrefix}
	var reqByte []byte
	var err error
	switch v := request.(type) {
	case *server.Execute:
		prefix[1] = server.ExecutePrefix
		reqByte, err = util.BinaryStructToByte(v)
	case *server.Status:
		prefix[1] = server.StatusPrefix
		reqByte, err = util.BinaryStructToByte(v)
	default:
		return nil, errors.Errorf("unsupported request %T", request)
	}
	if err != nil {
		return nil, err
	}
	if err = util.SendPrefixMsg(c.Conn, prefix, reqByte); err != nil {
		return nil, errors.Wrap(err, "client disconnected")
	}

	respPrefix, err := util.ReceivePrefix(c.Conn)
	if err != nil {
		return nil, errors.Wrap(ErrNoResponse, err.Error())
	}
	if respPrefix[0] != server.ClientPrefix {
		return nil, server.ErrBadHeader
	}
	respByte, err := util.ReceiveMsg(c.Conn)
	if err != nil {
		return nil, err
	}

	switch respPrefix[1] {
	case server.ExecutePrefix:
		resultSet := server.ExecuteResp{}
		if err = util.ByteToStruct(respByte, &resultSet); err != nil {
			return nil, err
		}
		return &resultSet, nil
	case server.StatusPrefix:
		status := server.Status{}
		if err = util.ByteToStruct(respByte, &status); err != nil {
			return nil, err
		}
		return &status, nil
	case server.RespErrPrefix:
		errResultSet := server.RespError{}
		if err = util.ByteToStruct(respByte, &errResultSet); err != nil {
			return nil, err
		}
		return &errResultSet, nil
	}
	return nil, server.ErrBadHeader
}

func (c *Client) Execute(line string) (engine.ResultSet, error) {
	resp, err := c.Call(&server.Execute{Data: line})
	if err != nil {
		return nil, err
	}
	switch v := resp.(type) {
	case *server.RespError:
		return nil, errors.New(v.Errmsg)
	case *server.ExecuteResp:
		return v.Data, nil
	}
	return nil, errors.Errorf("unexpected response %T", resp)
}

func (c *Client) Status() (*engine.Status, error) {
	resp, err := c.Call(&server.Status{})
	if err != nil {
		return nil, err
	}
	switch v := resp.(type) {
	case *server.RespError:
		return nil, errors.New(v.Errmsg)
	case *server.Status:
		return v.Data, nil
	}
	return nil, errors.Errorf("unexpected response %T", resp)
}

func (c *Client) Close() error {
	return c.Conn.Close()
}
