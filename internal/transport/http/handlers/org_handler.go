package handlers

import (
	"errors"
	"net/http"

	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	orgsvc "github.com/doexcess/business-api/internal/services/orgs"
	"github.com/doexcess/business-api/internal/transport/http/dto"
)

type OrgHandler struct {
	service *orgsvc.Service
}

func NewOrgHandler(service *orgsvc.Service) *OrgHandler {
	return &OrgHandler{service: service}
}

func (h *OrgHandler) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req orgsvc.CreateBusinessInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	business, err := h.service.CreateBusiness(r.Context(), identity.UserID, req)
	if err != nil {
		handleOrgError(w, err)
		return
	}
	writeCreated(w, business)
}

func (h *OrgHandler) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	out, err := h.service.ListMine(r.Context(), identity.UserID)
	if err != nil {
		handleOrgError(w, err)
		return
	}
	if out == nil {
		out = []model.BusinessMembership{}
	}
	writeOK(w, dto.Data[[]model.BusinessMembership]{Data: out})
}

func (h *OrgHandler) Invite(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req orgsvc.InviteInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	res, err := h.service.Invite(r.Context(), scope.BusinessID, identity.UserID, req)
	if err != nil {
		handleOrgError(w, err)
		return
	}
	writeCreated(w, dto.InvitationResponse{Invitation: res.Invitation, Token: res.Token})
}

func (h *OrgHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	page := pagination.FromRequest(r)
	out, total, err := h.service.ListInvitations(r.Context(), scope.BusinessID, page)
	if err != nil {
		handleOrgError(w, err)
		return
	}
	writeOK(w, dto.NewPage(out, page, total))
}

func (h *OrgHandler) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	inv, err := h.service.Revoke(r.Context(), scope.BusinessID, id)
	if err != nil {
		handleOrgError(w, err)
		return
	}
	writeOK(w, dto.InvitationResponse{Invitation: inv})
}

func (h *OrgHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req dto.AcceptInvitationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	inv, err := h.service.Accept(r.Context(), identity.UserID, req.Token)
	if err != nil {
		handleOrgError(w, err)
		return
	}
	writeOK(w, dto.InvitationResponse{Invitation: inv})
}

func (h *OrgHandler) Members(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	out, err := h.service.Members(r.Context(), scope.BusinessID)
	if err != nil {
		handleOrgError(w, err)
		return
	}
	if out == nil {
		out = []model.Member{}
	}
	writeOK(w, dto.Data[[]model.Member]{Data: out})
}

func handleOrgError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	switch {
	case errors.Is(err, orgsvc.ErrNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, orgsvc.ErrForbidden), errors.Is(err, orgsvc.ErrInvitationForAnother):
		writeForbidden(w, "FORBIDDEN", err.Error())
	case errors.Is(err, orgsvc.ErrInvitationUsed), errors.Is(err, orgsvc.ErrInvitationExpired):
		writeConflict(w, "INVITATION_UNAVAILABLE", err.Error())
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
