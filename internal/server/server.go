// Package server exposes the coordinator's RPC surface.
package server

import (
	"net/http"

	"github.com/lesismal/arpc"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/coordinator"
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
	"github.com/DeltaLaboratory/ramstore/internal/telemetry"
)

type Server struct {
	list    *coordinator.ServerList
	tablets *coordinator.TabletDirectory
	server  *arpc.Server

	logger zerolog.Logger
}

func NewServer(list *coordinator.ServerList, tablets *coordinator.TabletDirectory,
	logger zerolog.Logger) *Server {

	s := &Server{
		list:    list,
		tablets: tablets,
		server:  arpc.NewServer(),
		logger:  logger.With().Str("layer", "server").Logger(),
	}

	s.server.Handler.Handle("/coordinator/enlist", s.handleEnlist)
	s.server.Handler.Handle("/coordinator/hint-down", s.handleHintDown)
	s.server.Handler.Handle("/coordinator/recovery-info", s.handleRecoveryInfo)
	s.server.Handler.Handle("/coordinator/server-list", s.handleServerList)
	s.server.Handler.Handle("/coordinator/locate-table", s.handleLocateTable)

	return s
}

func (s *Server) Start(addr string) error {
	return s.server.Run(addr)
}

func (s *Server) Stop() error {
	return s.server.Stop()
}

// ServeMetrics serves the prometheus registry on addr. Blocks.
func (s *Server) ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handleEnlist(ctx *arpc.Context) {
	var req protocol.EnlistRequest
	if err := ctx.Bind(&req); err != nil {
		s.logger.Warn().Err(err).Str("handler", "coordinator/enlist").Msg("failed to bind request")
		if err := ctx.Error(err); err != nil {
			s.logger.Error().Err(err).Str("handler", "coordinator/enlist").Msg("failed to send error response")
		}
		return
	}

	resp := protocol.EnlistResponse{}
	id, err := s.list.EnlistServer(req.ReplacesID,
		protocol.DeserializeServiceMask(req.Services), req.ReadSpeed, req.ServiceLocator)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.ServerID = id
	}

	if err := ctx.Write(&resp); err != nil {
		s.logger.Error().Err(err).Str("handler", "coordinator/enlist").Msg("failed to write response")
	}
}

func (s *Server) handleHintDown(ctx *arpc.Context) {
	var req protocol.HintServerDownRequest
	if err := ctx.Bind(&req); err != nil {
		if err := ctx.Error(err); err != nil {
			s.logger.Error().Err(err).Str("handler", "coordinator/hint-down").Msg("failed to send error response")
		}
		return
	}

	resp := protocol.HintServerDownResponse{}
	down, err := s.list.HintServerDown(req.ServerID)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Down = down
	}

	if err := ctx.Write(&resp); err != nil {
		s.logger.Error().Err(err).Str("handler", "coordinator/hint-down").Msg("failed to write response")
	}
}

func (s *Server) handleRecoveryInfo(ctx *arpc.Context) {
	var req protocol.SetRecoveryInfoRequest
	if err := ctx.Bind(&req); err != nil {
		if err := ctx.Error(err); err != nil {
			s.logger.Error().Err(err).Str("handler", "coordinator/recovery-info").Msg("failed to send error response")
		}
		return
	}

	resp := protocol.SetRecoveryInfoResponse{}
	if err := s.list.SetMasterRecoveryInfo(req.ServerID, req.RecoveryInfo); err != nil {
		resp.Error = err.Error()
	}

	if err := ctx.Write(&resp); err != nil {
		s.logger.Error().Err(err).Str("handler", "coordinator/recovery-info").Msg("failed to write response")
	}
}

func (s *Server) handleLocateTable(ctx *arpc.Context) {
	var req protocol.LocateTableRequest
	if err := ctx.Bind(&req); err != nil {
		if err := ctx.Error(err); err != nil {
			s.logger.Error().Err(err).Str("handler", "coordinator/locate-table").Msg("failed to send error response")
		}
		return
	}

	resp := protocol.LocateTableResponse{}
	owner, err := s.tablets.Locate(req.TableID)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.ServerID = owner
	}

	if err := ctx.Write(&resp); err != nil {
		s.logger.Error().Err(err).Str("handler", "coordinator/locate-table").Msg("failed to write response")
	}
}

func (s *Server) handleServerList(ctx *arpc.Context) {
	var req protocol.GetServerListRequest
	if err := ctx.Bind(&req); err != nil {
		if err := ctx.Error(err); err != nil {
			s.logger.Error().Err(err).Str("handler", "coordinator/server-list").Msg("failed to send error response")
		}
		return
	}

	mask := protocol.DeserializeServiceMask(req.Services)
	if mask == 0 {
		mask = protocol.MasterService | protocol.BackupService
	}

	if err := ctx.Write(&protocol.GetServerListResponse{
		List: s.list.SerializeMask(mask),
	}); err != nil {
		s.logger.Error().Err(err).Str("handler", "coordinator/server-list").Msg("failed to write response")
	}
}
