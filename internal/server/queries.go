package server

import (
	"context"
	"net/http"
	"strconv"

	"PaimonControl/internal/fault"
)

func (s *Server) handleFund(ctx context.Context, _ *http.Request) (interface{}, error) {
	v, err := s.cfg.Queries.Fund(ctx)
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) handleRedemption(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return nil, fault.Newf(fault.KindValidation, "server.redemption",
			"%q is not a request id", r.PathValue("id"))
	}
	v, err := s.cfg.Queries.Redemption(ctx, id)
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) handleTicket(ctx context.Context, r *http.Request) (interface{}, error) {
	v, err := s.cfg.Queries.Ticket(ctx, r.PathValue("id"))
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) handlePlan(ctx context.Context, r *http.Request) (interface{}, error) {
	v, err := s.cfg.Queries.Plan(ctx, r.PathValue("id"))
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) handleRiskLatest(ctx context.Context, _ *http.Request) (interface{}, error) {
	v, err := s.cfg.Queries.RiskLatest(ctx)
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) handleForecastLatest(ctx context.Context, _ *http.Request) (interface{}, error) {
	v, err := s.cfg.Queries.ForecastLatest(ctx)
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}
