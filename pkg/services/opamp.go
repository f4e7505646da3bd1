package services

import (
	"context"

	"github.com/open-telemetry/opamp-go/protobufs"
	servertypes "github.com/open-telemetry/opamp-go/server/types"
)

// OpAmpServerHandler receives the opamp-go connection callbacks. Callbacks for one
// connection are never concurrent; different connections may call concurrently.
type OpAmpServerHandler interface {
	OnConnected(ctx context.Context, conn servertypes.Connection)

	// OnMessage returns the response for the agent. A plain HTTP connection is closed
	// right after the response is written.
	OnMessage(ctx context.Context, conn servertypes.Connection, message *protobufs.AgentToServer) *protobufs.ServerToAgent

	OnConnectionClose(conn servertypes.Connection)

	OnReadMessageError(conn servertypes.Connection, mt int, msgByte []byte, err error)
}
