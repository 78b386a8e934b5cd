package registry

import (
	"fmt"
	"strings"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// CertifierPolicy decides who may certify an issue as done, which closes it
// and credits its reward.
type CertifierPolicy string

const (
	// CertifyCreator lets only the issue's creator certify. Default.
	CertifyCreator CertifierPolicy = "creator"
	// CertifyRepoOwner lets a caller whose linked GitHub login matches the
	// issue's repo owner certify.
	CertifyRepoOwner CertifierPolicy = "repo-owner"
	// CertifyAdmin lets only configured admin addresses certify.
	CertifyAdmin CertifierPolicy = "admin"
	// CertifyAny lets any authenticated caller certify.
	CertifyAny CertifierPolicy = "any"
)

// ParseCertifierPolicy maps a config value to a policy. Empty means
// CertifyCreator.
func ParseCertifierPolicy(s string) (CertifierPolicy, error) {
	switch p := CertifierPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return CertifyCreator, nil
	case CertifyCreator, CertifyRepoOwner, CertifyAdmin, CertifyAny:
		return p, nil
	}
	return "", fmt.Errorf("registry: unknown certifier policy %q", s)
}

// Principal is the caller together with the off-ledger facts the policy may
// need. It is resolved before a call frame opens.
type Principal struct {
	Address     common.Address
	GitHubLogin string // empty when no GitHub account is linked
}

// AccessPolicy makes the authorization decision for every mutating operation.
// Stage checks are not its concern; the issue store makes those.
type AccessPolicy struct {
	certifier CertifierPolicy
	admins    map[common.Address]struct{}
}

func NewAccessPolicy(certifier CertifierPolicy, admins []common.Address) (*AccessPolicy, error) {
	certifier, err := ParseCertifierPolicy(string(certifier))
	if err != nil {
		return nil, err
	}
	if certifier == CertifyAdmin && len(admins) == 0 {
		return nil, fmt.Errorf("registry: certifier policy %q needs at least one admin", certifier)
	}

	set := make(map[common.Address]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &AccessPolicy{certifier: certifier, admins: set}, nil
}

func (p *AccessPolicy) Certifier() CertifierPolicy {
	return p.certifier
}

// NeedsGitHubLogin reports whether CanCertify reads Principal.GitHubLogin.
func (p *AccessPolicy) NeedsGitHubLogin() bool {
	return p.certifier == CertifyRepoOwner
}

func (p *AccessPolicy) IsAdmin(addr common.Address) bool {
	_, ok := p.admins[addr]
	return ok
}

// CanCreate allows any authenticated caller to post work.
func (p *AccessPolicy) CanCreate(caller Principal) error {
	return nil
}

func (p *AccessPolicy) CanStartWork(caller Principal, issue *model.Issue) error {
	if caller.Address != issue.Assignee {
		return apperror.Unauthorized("only the assignee may start work on this issue")
	}
	return nil
}

func (p *AccessPolicy) CanReassign(caller Principal, issue *model.Issue) error {
	if caller.Address != issue.Creator {
		return apperror.Unauthorized("only the issue creator may reassign it")
	}
	return nil
}

// CanCertify applies the certifier policy. Whatever the policy, an assignee
// who did not also create the issue cannot certify their own work.
func (p *AccessPolicy) CanCertify(caller Principal, issue *model.Issue) error {
	if caller.Address == issue.Assignee && caller.Address != issue.Creator {
		return apperror.Unauthorized("the assignee may not certify their own work")
	}

	switch p.certifier {
	case CertifyCreator:
		if caller.Address != issue.Creator {
			return apperror.Unauthorized("only the issue creator may credit the reward")
		}
	case CertifyRepoOwner:
		if caller.GitHubLogin == "" {
			return apperror.Unauthorized("link a GitHub account to certify repository issues")
		}
		if !strings.EqualFold(caller.GitHubLogin, issue.RepoOwner) {
			return apperror.Unauthorized("only the repository owner may credit the reward")
		}
	case CertifyAdmin:
		if !p.IsAdmin(caller.Address) {
			return apperror.Unauthorized("only a registry admin may credit the reward")
		}
	case CertifyAny:
	}
	return nil
}
