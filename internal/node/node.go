// Package node hosts the storage-node side of the cluster: the membership
// view fed by the coordinator, the ping endpoint the failure detector
// probes, and the backup replica store.
package node

import (
	"fmt"

	"github.com/lesismal/arpc"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/backup"
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

type Node struct {
	id         protocol.ServerId
	membership *MembershipList
	replicas   *backup.Store
	server     *arpc.Server

	logger zerolog.Logger
}

func NewNode(replicas *backup.Store, logger zerolog.Logger) *Node {
	n := &Node{
		membership: NewMembershipList(logger),
		replicas:   replicas,
		server:     arpc.NewServer(),
		logger:     logger.With().Str("layer", "node").Logger(),
	}

	n.server.Handler.Handle("/membership/update", n.handleMembershipUpdate)
	n.server.Handler.Handle("/ping", n.handlePing)
	n.server.Handler.Handle("/backup/write", n.handleBackupWrite)
	n.server.Handler.Handle("/backup/read", n.handleBackupRead)
	n.server.Handler.Handle("/backup/free", n.handleBackupFree)

	return n
}

// SetServerID records the id the coordinator assigned at enlistment.
func (n *Node) SetServerID(id protocol.ServerId) {
	n.id = id
	n.logger = n.logger.With().Str("server_id", id.String()).Logger()
}

// Membership exposes the node's view of the cluster.
func (n *Node) Membership() *MembershipList {
	return n.membership
}

func (n *Node) Start(addr string) error {
	return n.server.Run(addr)
}

func (n *Node) Stop() error {
	n.membership.Shutdown()
	return n.server.Stop()
}

func (n *Node) handleMembershipUpdate(ctx *arpc.Context) {
	var list protocol.ServerList
	if err := ctx.Bind(&list); err != nil {
		n.logger.Warn().Err(err).Str("handler", "membership/update").Msg("failed to bind request")
		if err := ctx.Error(err); err != nil {
			n.logger.Error().Err(err).Str("handler", "membership/update").Msg("failed to send error response")
		}
		return
	}

	version, err := n.membership.Apply(&list)
	resp := protocol.UpdateResponse{Version: version}
	if err != nil {
		if err == ErrShuttingDown {
			resp.ServerNotUp = true
		} else {
			resp.Error = err.Error()
		}
	}

	if err := ctx.Write(&resp); err != nil {
		n.logger.Error().Err(err).Str("handler", "membership/update").Msg("failed to write response")
	}
}

func (n *Node) handlePing(ctx *arpc.Context) {
	if err := ctx.Write(&protocol.PingResponse{ServerID: n.id}); err != nil {
		n.logger.Error().Err(err).Str("handler", "ping").Msg("failed to write response")
	}
}

func (n *Node) handleBackupWrite(ctx *arpc.Context) {
	if n.replicas == nil {
		if err := ctx.Error(fmt.Errorf("node offers no backup service")); err != nil {
			n.logger.Error().Err(err).Str("handler", "backup/write").Msg("failed to send error response")
		}
		return
	}

	var req protocol.BackupWriteRequest
	if err := ctx.Bind(&req); err != nil {
		if err := ctx.Error(err); err != nil {
			n.logger.Error().Err(err).Str("handler", "backup/write").Msg("failed to send error response")
		}
		return
	}

	resp := protocol.BackupWriteResponse{}
	if err := n.replicas.PutSegment(req.MasterID, req.SegmentID, req.Data); err != nil {
		resp.Error = err.Error()
	}
	if err := ctx.Write(&resp); err != nil {
		n.logger.Error().Err(err).Str("handler", "backup/write").Msg("failed to write response")
	}
}

func (n *Node) handleBackupRead(ctx *arpc.Context) {
	if n.replicas == nil {
		if err := ctx.Error(fmt.Errorf("node offers no backup service")); err != nil {
			n.logger.Error().Err(err).Str("handler", "backup/read").Msg("failed to send error response")
		}
		return
	}

	var req protocol.BackupReadRequest
	if err := ctx.Bind(&req); err != nil {
		if err := ctx.Error(err); err != nil {
			n.logger.Error().Err(err).Str("handler", "backup/read").Msg("failed to send error response")
		}
		return
	}

	resp := protocol.BackupReadResponse{}
	data, err := n.replicas.GetSegment(req.MasterID, req.SegmentID)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Data = data
	}
	if err := ctx.Write(&resp); err != nil {
		n.logger.Error().Err(err).Str("handler", "backup/read").Msg("failed to write response")
	}
}

func (n *Node) handleBackupFree(ctx *arpc.Context) {
	if n.replicas == nil {
		if err := ctx.Error(fmt.Errorf("node offers no backup service")); err != nil {
			n.logger.Error().Err(err).Str("handler", "backup/free").Msg("failed to send error response")
		}
		return
	}

	var req protocol.BackupFreeRequest
	if err := ctx.Bind(&req); err != nil {
		if err := ctx.Error(err); err != nil {
			n.logger.Error().Err(err).Str("handler", "backup/free").Msg("failed to send error response")
		}
		return
	}

	resp := protocol.BackupFreeResponse{}
	freed, err := n.replicas.FreeMaster(req.MasterID)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Freed = freed
	}
	if err := ctx.Write(&resp); err != nil {
		n.logger.Error().Err(err).Str("handler", "backup/free").Msg("failed to write response")
	}
}
