// Package authz authenticates callers and authorizes their operations on
// request agent resources.
package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
)

// Entry grants operations on a resource to users and groups.
type Entry struct {
	Resource   string   `json:"resource"`
	Operations []string `json:"operations"`
	Users      []string `json:"users,omitempty"`
	Groups     []string `json:"groups,omitempty"`
}

// ACL is a ra.Authorizer evaluating a static list of entries. A caller is
// granted an operation if any entry for the resource lists the operation and
// the caller's user id or one of its groups.
type ACL struct {
	entries map[string][]Entry
	logger  common.Logger
	now     func() time.Time
}

// NewACL validates entries and returns an ACL evaluating them.
func NewACL(entries []Entry, logger common.Logger) (*ACL, error) {
	acl := &ACL{
		entries: make(map[string][]Entry),
		logger:  alogger.OrNop(logger).With(common.FieldModule, "authz"),
		now:     time.Now,
	}

	for i, e := range entries {
		e.Resource = strings.TrimSpace(e.Resource)
		if e.Resource == "" {
			return nil, fmt.Errorf("acl entry %d: no resource", i)
		}
		if len(e.Operations) == 0 {
			return nil, fmt.Errorf("acl entry %d: no operations for %s", i, e.Resource)
		}
		if len(e.Users) == 0 && len(e.Groups) == 0 {
			return nil, fmt.Errorf("acl entry %d: no users or groups for %s", i, e.Resource)
		}

		acl.entries[e.Resource] = append(acl.entries[e.Resource], e)
	}

	return acl, nil
}

// Authorize implements ra.Authorizer. Denials return a nil token and a nil
// error.
func (a *ACL) Authorize(ctx context.Context, token *ra.AuthToken, resource, operation string) (*ra.AuthzToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if operation == "" {
		return nil, errors.New("no operation provided")
	}
	if token == nil || token.UserID == "" {
		a.logger.Debugw("Anonymous caller denied", "resource", resource, "operation", operation)
		return nil, nil
	}

	for _, e := range a.entries[resource] {
		if !slices.Contains(e.Operations, operation) {
			continue
		}
		if slices.Contains(e.Users, token.UserID) || slices.ContainsFunc(e.Groups, token.InGroup) {
			return &ra.AuthzToken{
				UserID:    token.UserID,
				Resource:  resource,
				Operation: operation,
				GrantedAt: a.now(),
			}, nil
		}
	}

	a.logger.Infow("Operation denied", common.FieldAgent, token.UserID, "resource", resource, "operation", operation)

	return nil, nil
}

// DefaultEntries grants the RA agents group every agent operation and the
// status read to everyone in submitters.
func DefaultEntries(agentGroup string, submitters []string) []Entry {
	entries := []Entry{
		{
			Resource:   ra.ResourceEnrollment,
			Operations: []string{ra.OperationExecute, ra.OperationAssign, ra.OperationUnassign, ra.OperationRead},
			Groups:     []string{agentGroup},
		},
		{
			Resource:   ra.ResourceStatus,
			Operations: []string{ra.OperationRead},
			Groups:     []string{agentGroup},
		},
		{
			Resource:   ra.ResourceAudit,
			Operations: []string{ra.OperationRead},
			Groups:     []string{agentGroup},
		},
	}

	if len(submitters) > 0 {
		entries = append(entries,
			Entry{Resource: ra.ResourceEnrollment, Operations: []string{ra.OperationSubmit}, Groups: submitters},
			Entry{Resource: ra.ResourceStatus, Operations: []string{ra.OperationRead}, Groups: submitters},
		)
	}

	return entries
}
