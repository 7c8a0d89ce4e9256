package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestConnectRedis(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+server.Addr(), "lexcoach-test")
	require.NoError(t, err)
	require.Equal(t, "lexcoach-test", client.Options().ClientName)
	require.NoError(t, client.Close())

	_, err = ConnectRedis(context.Background(), "", "lexcoach-test")
	require.Error(t, err)

	_, err = ConnectRedis(context.Background(), "://bad", "lexcoach-test")
	require.Error(t, err)
}

func TestConnectRedisFailsWhenServerIsGone(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := ConnectRedis(context.Background(), "redis://"+addr, "lexcoach-test")
	require.Error(t, err)
}

func TestConnectRequiresURLs(t *testing.T) {
	_, err := ConnectPostgres("")
	require.Error(t, err)

	_, err = ConnectNATS("", "test")
	require.Error(t, err)
}
