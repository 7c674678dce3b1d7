package gateway

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/nucleus"
	"github.com/cuemby/txproc/pkg/recovery"
	"github.com/cuemby/txproc/pkg/types"
)

func TestGatewayRoundTripsResultToOriginatingConnection(t *testing.T) {
	rl, err := recovery.Open(recovery.OpenConfig{BaseDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer rl.Close()

	n := nucleus.New(nucleus.Config{Logger: zerolog.Nop(), MaintenanceTick: 20 * time.Millisecond}, rl)
	require.NoError(t, n.AddQueue(&types.QueueDescriptor{Name: "work", Kind: types.QueueStraight, Workers: 1, Shell: "/bin/sh"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	srv := NewServer(n, zerolog.Nop())
	require.NoError(t, srv.Listen("tcp", "127.0.0.1:0"))
	defer srv.Close()

	client, err := net.Dial("tcp", srv.ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	ev := &event.Event{
		Kind:        event.KindBinary,
		DestQueue:   "work",
		ScriptName:  "/bin/echo",
		Reference:   "50000-00005",
		ExpectReply: true,
	}
	data, err := event.Serialize(ev)
	require.NoError(t, err)
	_, err = client.Write(data)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := event.ReadFrame(bufio.NewReader(client))
	require.NoError(t, err)

	got, err := event.Parse(frame)
	require.NoError(t, err)
	require.True(t, got.Success)
	require.Equal(t, "50000-00005", got.Reference)
}
