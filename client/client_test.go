package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tvam/engine"
	"tvam/gobReg"
	"tvam/server"
)

func TestClient(t *testing.T) {
	gobReg.GobRegMain()
	e, err := engine.Open(t.TempDir(), 0.5)
	require.NoError(t, err)
	srv := server.NewServer(e)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	defer func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
		require.NoError(t, e.Close())
	}()

	client, err := Dial(srv.Listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Execute("begin")
	require.NoError(t, err)
	require.IsType(t, &engine.BeginResultSet{}, res)

	_, err = client.Execute("commit now")
	require.ErrorContains(t, err, "usage: commit")

	_, err = client.Execute("commit")
	require.NoError(t, err)
	_, err = client.Execute("commit")
	require.ErrorContains(t, err, "no transaction in progress")

	status, err := client.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.Sessions)
}
