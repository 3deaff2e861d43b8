package layout

import (
	"strings"

	"virtualclient/pkg/errs"
)

// Resolver answers which roles the local agent plays and where its
// counterparts live.
type Resolver struct {
	layout  *EnvironmentLayout
	agentID string
}

// NewResolver creates a resolver. A nil layout selects single-machine mode.
func NewResolver(layout *EnvironmentLayout, agentID string) *Resolver {
	return &Resolver{layout: layout, agentID: agentID}
}

// IsSingleMachine reports whether no layout was supplied.
func (r *Resolver) IsSingleMachine() bool {
	return r.layout == nil
}

// AgentID returns the identifier used to find this instance in the layout.
func (r *Resolver) AgentID() string {
	return r.agentID
}

// RequireLayout fails when multi-instance behavior is expected but no layout exists.
func (r *Resolver) RequireLayout() error {
	if r.layout == nil {
		return errs.New(errs.EnvironmentLayoutNotDefined,
			"an environment layout is required to run in a multi-instance topology")
	}
	return nil
}

// Roles returns every role the local agent plays. Single-machine mode plays Client.
func (r *Resolver) Roles() ([]Role, error) {
	if r.layout == nil {
		return []Role{Client}, nil
	}

	var roles []Role
	for _, c := range r.layout.Clients {
		if strings.EqualFold(c.Name, r.agentID) {
			roles = append(roles, c.Role)
		}
	}
	if len(roles) == 0 {
		return nil, errs.New(errs.EnvironmentLayoutClientInstancesNotFound,
			"the environment layout does not contain an instance named %q", r.agentID)
	}
	return roles, nil
}

// PlaysRole reports whether the local agent plays role.
func (r *Resolver) PlaysRole(role Role) bool {
	roles, err := r.Roles()
	if err != nil {
		return false
	}
	for _, rr := range roles {
		if rr == role {
			return true
		}
	}
	return false
}

// Self returns the layout entry for the local agent.
func (r *Resolver) Self() (Instance, error) {
	if r.layout == nil {
		return Instance{Name: r.agentID, IPAddress: Loopback, Role: Client}, nil
	}
	for _, c := range r.layout.Clients {
		if strings.EqualFold(c.Name, r.agentID) {
			return c, nil
		}
	}
	return Instance{}, errs.New(errs.EnvironmentLayoutClientInstancesNotFound,
		"the environment layout does not contain an instance named %q", r.agentID)
}

// Counterpart returns the first instance tagged with role. In single-machine
// mode the local agent is its own counterpart over loopback.
func (r *Resolver) Counterpart(role Role) (Instance, error) {
	instances, err := r.Counterparts(role)
	if err != nil {
		return Instance{}, err
	}
	return instances[0], nil
}

// Counterparts returns every instance tagged with role.
func (r *Resolver) Counterparts(role Role) ([]Instance, error) {
	if r.layout == nil {
		return []Instance{{Name: r.agentID, IPAddress: Loopback, Role: role}}, nil
	}
	var out []Instance
	for _, c := range r.layout.Clients {
		if c.Role == role {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, errs.New(errs.EnvironmentLayoutClientInstancesNotFound,
			"the environment layout does not contain an instance with role %q", role)
	}
	return out, nil
}
