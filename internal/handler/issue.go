package handler

import (
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/registry"
	"github.com/ethereum/go-ethereum/common"
)

// IssueHandler exposes the registry over HTTP.
//
// Mutating routes sit behind auth.RequireAuth, which has already put the
// caller into r.Context(). Handlers pass that context straight through; the
// registry reads the caller from it and makes every authorization decision.
type IssueHandler struct {
	reg    *registry.Registry
	logger *slog.Logger
}

func NewIssueHandler(reg *registry.Registry, logger *slog.Logger) *IssueHandler {
	return &IssueHandler{reg: reg, logger: logger}
}

type createIssueRequest struct {
	Kind         model.Kind `json:"kind"`
	Assignee     string     `json:"assignee"`
	Description  string     `json:"description"`
	RewardAmount *big.Int   `json:"rewardAmount"`
	RepoOwner    string     `json:"repoOwner"`
	RepoName     string     `json:"repoName"`
}

type createIssueResponse struct {
	ID uint64 `json:"id"`
}

type listIssuesResponse struct {
	Issues []model.Issue `json:"issues"`
	Offset int           `json:"offset"`
	Total  uint64        `json:"total"`
}

type countResponse struct {
	Count uint64 `json:"count"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type beneficiaryRequest struct {
	Beneficiary string `json:"beneficiary"`
}

type balanceResponse struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
	PaidOut *big.Int       `json:"paidOut"`
}

// HandleCreate posts a new issue.
//
// HTTP: POST /api/issues
// REQUEST BODY:
//
//	{"kind":"Bug","assignee":"0x..","description":"...","rewardAmount":500,
//	 "repoOwner":"octo","repoName":"app"}
func (h *IssueHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createIssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var assignee common.Address
	if req.Assignee != "" {
		var err error
		if assignee, err = parseAddress("assignee", req.Assignee); err != nil {
			writeError(w, err)
			return
		}
	}

	id, err := h.reg.CreateIssue(r.Context(), registry.CreateIssueInput{
		Kind:         req.Kind,
		Assignee:     assignee,
		Description:  req.Description,
		RewardAmount: req.RewardAmount,
		RepoOwner:    req.RepoOwner,
		RepoName:     req.RepoName,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createIssueResponse{ID: id})
}

// HandleList returns one page of issues in id order.
//
// HTTP: GET /api/issues?offset=0&limit=20
func (h *IssueHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	issues, err := h.reg.ListIssues(r.Context(), offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.reg.IssueCount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if issues == nil {
		issues = []model.Issue{}
	}
	writeJSON(w, http.StatusOK, listIssuesResponse{Issues: issues, Offset: offset, Total: total})
}

// HandleCount serves GET /api/issues/count
func (h *IssueHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.reg.IssueCount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// HandleGet serves GET /api/issues/{id}
func (h *IssueHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseIssueID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	issue, err := h.reg.GetIssue(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// HandleStartWork serves POST /api/issues/{id}/start
func (h *IssueHandler) HandleStartWork(w http.ResponseWriter, r *http.Request) {
	id, err := parseIssueID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.reg.StartWork(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondIssue(w, r, id)
}

// HandleReassign serves POST /api/issues/{id}/assignee {"address":"0x.."}
func (h *IssueHandler) HandleReassign(w http.ResponseWriter, r *http.Request) {
	id, err := parseIssueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req addressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	assignee, err := parseAddress("address", req.Address)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.reg.Reassign(r.Context(), id, assignee); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondIssue(w, r, id)
}

// HandleCredit closes the issue and credits its reward.
//
// HTTP: POST /api/issues/{id}/credit {"beneficiary":"0x.."}
func (h *IssueHandler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	id, err := parseIssueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req beneficiaryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.reg.CreditReward(r.Context(), id, beneficiary); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondIssue(w, r, id)
}

// HandleWithdraw pays out the caller's whole balance.
//
// HTTP: POST /api/withdraw
func (h *IssueHandler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	withdrawal, err := h.reg.Withdraw(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawal)
}

// HandleBalance serves GET /api/balances/{address}
func (h *IssueHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}

	credit, err := h.reg.Credit(r.Context(), addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address: addr,
		Balance: credit.Balance,
		PaidOut: credit.PaidOut,
	})
}

// HandleEvents returns the event feed after a sequence number.
//
// HTTP: GET /api/events?since=0&limit=20
func (h *IssueHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := h.reg.Events(r.Context(), uint64(since), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// respondIssue answers a successful mutation with the issue's new state.
func (h *IssueHandler) respondIssue(w http.ResponseWriter, r *http.Request, id uint64) {
	issue, err := h.reg.GetIssue(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// fail logs errors outside the taxonomy, which the client only sees as a
// generic 500, then writes the response.
func (h *IssueHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperror.Code(err) == "internal_error" {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, err)
}
