package gateway

import (
	"errors"
	"fmt"

	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

// Validate reports connector types and policy ids of a snapshot that the
// registries do not know. At request time such entries are dropped, so a
// snapshot failing validation still deploys.
func Validate(snapshot domain.Snapshot, connectors *connector.Registry, policies *policy.Registry) error {
	var errs []error
	checkSteps := func(scope string, steps []domain.Step) {
		for _, s := range steps {
			if _, _, ok := policies.Lookup(s.Policy); !ok {
				errs = append(errs, fmt.Errorf("%s: %w %q", scope, domain.ErrUnknownPolicy, s.Policy))
			}
		}
	}
	checkFlows := func(scope string, flows []domain.Flow) {
		for _, f := range flows {
			name := scope + " flow " + f.DisplayName()
			checkSteps(name+" pre", f.Pre)
			checkSteps(name+" post", f.Post)
		}
	}

	checkFlows("organization", snapshot.Organization.Flows)
	for _, api := range snapshot.APIs {
		scope := "api " + api.ID
		for _, l := range api.HTTPListeners() {
			for _, e := range l.Entrypoints {
				if _, ok := connectors.EntrypointFactory(e.Type); !ok {
					errs = append(errs, fmt.Errorf("%s: %w: entrypoint %q", scope, domain.ErrUnknownConnectorType, e.Type))
				}
			}
		}
		for _, g := range api.EndpointGroups {
			for _, e := range g.Endpoints {
				if _, ok := connectors.EndpointFactory(e.Type); !ok {
					errs = append(errs, fmt.Errorf("%s: %w: endpoint %q", scope, domain.ErrUnknownConnectorType, e.Type))
				}
			}
		}
		checkFlows(scope, api.Flows)
		for _, p := range api.Plans {
			planScope := scope + " plan " + p.ID
			checkFlows(planScope, p.Flows)
			for path, rules := range p.Paths {
				for _, rule := range rules {
					checkSteps(planScope+" path "+path, []domain.Step{rule.Step})
				}
			}
		}
	}
	return errors.Join(errs...)
}
