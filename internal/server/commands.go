package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/approval"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/state"
)

type decisionRequest struct {
	Comment string `json:"comment"`
	// RFC 3339; approvals only. Overrides the on-chain settlement date.
	Settlement *time.Time `json:"settlement,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

type resyncRequest struct {
	Contract  string `json:"contract,omitempty"`
	FromBlock uint64 `json:"from_block"`
}

func (s *Server) handleTicketApprove(ctx context.Context, r *http.Request, requester string) (*outcome, error) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	t, err := s.cfg.Tickets.ProcessAction(ctx, approval.ActionParams{
		TicketID:   r.PathValue("id"),
		Actor:      requester,
		Decision:   state.DecisionApprove,
		Comment:    req.Comment,
		Settlement: req.Settlement,
	})
	if err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusOK, Body: ticketSummary(t)}, nil
}

func (s *Server) handleTicketReject(ctx context.Context, r *http.Request, requester string) (*outcome, error) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	t, err := s.cfg.Tickets.ProcessAction(ctx, approval.ActionParams{
		TicketID: r.PathValue("id"),
		Actor:    requester,
		Decision: state.DecisionReject,
		Comment:  req.Comment,
	})
	if err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusOK, Body: ticketSummary(t)}, nil
}

func (s *Server) handleTicketCancel(ctx context.Context, r *http.Request, requester string) (*outcome, error) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	t, err := s.cfg.Tickets.Cancel(ctx, r.PathValue("id"), requester, req.Reason)
	if err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusOK, Body: ticketSummary(t)}, nil
}

func (s *Server) handlePlanPreview(ctx context.Context, r *http.Request, requester string) (*outcome, error) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	plan, err := s.cfg.Plans.Preview(ctx, state.TriggerManual, req.Reason, requester)
	if err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusOK, Body: planSummary(plan)}, nil
}

func (s *Server) handlePlanExecute(ctx context.Context, r *http.Request, _ string) (*outcome, error) {
	plan, err := s.cfg.Plans.Execute(ctx, r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusAccepted, Body: planSummary(plan)}, nil
}

func (s *Server) handleRebalanceTrigger(ctx context.Context, r *http.Request, requester string) (*outcome, error) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Reason == "" {
		req.Reason = "manual trigger"
	}
	plan, err := s.cfg.Plans.Trigger(ctx, state.TriggerManual, req.Reason, requester)
	if err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusCreated, Body: planSummary(plan)}, nil
}

func (s *Server) handleForecastTrigger(ctx context.Context, _ *http.Request, _ string) (*outcome, error) {
	if err := s.cfg.Forecasts.Run(ctx); err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusOK, Body: map[string]string{"status": "completed"}}, nil
}

func (s *Server) handleResync(ctx context.Context, r *http.Request, _ string) (*outcome, error) {
	var req resyncRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	contract := s.cfg.Vault
	if req.Contract != "" {
		if !common.IsHexAddress(req.Contract) {
			return nil, fault.Newf(fault.KindValidation, "server.resync",
				"%q is not a hex address", req.Contract)
		}
		contract = common.HexToAddress(req.Contract)
	}
	if err := s.cfg.Ingest.Resync(ctx, contract, req.FromBlock); err != nil {
		return nil, err
	}
	return &outcome{Status: http.StatusAccepted, Body: map[string]interface{}{
		"contract":   contract.Hex(),
		"from_block": req.FromBlock,
	}}, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.KindValidation, "server.decode", err)
	}
	return nil
}

// Command responses carry a compact summary; callers follow up on the
// query endpoints for the full view.
func ticketSummary(t *state.ApprovalTicket) map[string]interface{} {
	return map[string]interface{}{
		"id":                 t.ID,
		"status":             t.Status.String(),
		"current_approvals":  t.CurrentApprovals,
		"current_rejections": t.CurrentRejections,
		"required_approvals": t.RequiredApprovals,
	}
}

func planSummary(p *state.RebalancePlan) map[string]interface{} {
	m := map[string]interface{}{
		"id":                p.ID,
		"status":            p.Status.String(),
		"trigger":           string(p.Trigger),
		"actions":           len(p.Actions),
		"requires_approval": p.RequiresApproval,
	}
	if p.TicketID != nil {
		m["ticket_id"] = *p.TicketID
	}
	return m
}
