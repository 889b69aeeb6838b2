// Package routing maps inbound recipients to application queues.
//
// An application is addressed by a local part of the form "_<app>", for
// example "_billing@inbound.acme.test". Names resolve against the routing
// table, first by application name and then by alias. Anything that does not
// resolve goes to the default queue.
package routing

import (
	"sort"
	"strings"

	"mailflow/internal/config"
	"mailflow/internal/types"
)

// Engine resolves destinations from a routing table snapshot.
type Engine struct {
	table   config.RoutingTable
	aliases map[string]string
	domains map[string]struct{}
	logger  types.Logger
}

// NewEngine builds an Engine. Disabled applications and their aliases are
// not routable.
func NewEngine(table config.RoutingTable, logger types.Logger) *Engine {
	if logger == nil {
		logger = types.NopLogger{}
	}
	e := &Engine{
		table:   table,
		aliases: make(map[string]string),
		domains: make(map[string]struct{}, len(table.Domains)),
		logger:  logger,
	}
	for _, name := range table.AppNames() {
		route := table.Apps[name]
		if !route.Enabled {
			continue
		}
		for _, alias := range route.Aliases {
			if _, taken := e.aliases[alias]; !taken {
				e.aliases[alias] = name
			}
		}
	}
	for _, d := range table.Domains {
		e.domains[strings.ToLower(d)] = struct{}{}
	}
	return e
}

// AppName extracts the application name from an address whose local part
// starts with "_". It returns "" for ordinary addresses.
func AppName(address string) string {
	local, _, found := strings.Cut(address, "@")
	if !found {
		return ""
	}
	name, ok := strings.CutPrefix(local, "_")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// resolve returns the canonical application name and route for name.
func (e *Engine) resolve(name string) (string, config.AppRoute, bool) {
	if route, ok := e.table.Apps[name]; ok && route.Enabled {
		return name, route, true
	}
	if canonical, ok := e.aliases[name]; ok {
		return canonical, e.table.Apps[canonical], true
	}
	return "", config.AppRoute{}, false
}

func (e *Engine) acceptsDomain(address string) bool {
	if len(e.domains) == 0 {
		return true
	}
	_, ok := e.domains[types.DomainOf(address)]
	return ok
}

// Route returns the destinations for email: one per distinct resolved
// application queue, sorted by application name, plus at most one default
// destination when a recipient did not resolve or no application was
// addressed at all.
func (e *Engine) Route(email *types.Email) ([]types.RouteDestination, error) {
	names := make(map[string]struct{})
	for _, rcpt := range email.Recipients() {
		if !e.acceptsDomain(rcpt.Address) {
			continue
		}
		if name := AppName(rcpt.Address); name != "" {
			names[name] = struct{}{}
		}
	}

	needDefault := len(names) == 0
	resolved := make(map[string]string, len(names))
	for name := range names {
		canonical, route, ok := e.resolve(name)
		if !ok {
			e.logger.Warn("No queue configured for app, falling back to default", "app", name)
			needDefault = true
			continue
		}
		resolved[canonical] = route.QueueURL
	}

	apps := make([]string, 0, len(resolved))
	for app := range resolved {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	// Apps sharing a queue still get one destination each.
	destinations := make([]types.RouteDestination, 0, len(apps)+1)
	for _, app := range apps {
		destinations = append(destinations, types.RouteDestination{AppName: app, QueueURL: resolved[app]})
	}

	if needDefault {
		if e.table.DefaultQueue == "" {
			return nil, types.NewAppError(types.ErrCodeRoutingNoDestination,
				"no application matched and no default queue is configured", nil)
		}
		destinations = append(destinations, types.RouteDestination{
			AppName:   types.DefaultAppName,
			QueueURL:  e.table.DefaultQueue,
			IsDefault: true,
		})
	}

	return destinations, nil
}
