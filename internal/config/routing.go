package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AppRoute is one application's entry in the routing table.
type AppRoute struct {
	QueueURL string   `json:"queue_url"`
	Enabled  bool     `json:"enabled"`
	Aliases  []string `json:"aliases,omitempty"`
}

// RoutingTable maps application names to destination queues.
type RoutingTable struct {
	Domains      []string            `json:"domains"`
	Apps         map[string]AppRoute `json:"apps"`
	DefaultQueue string              `json:"default_queue"`
}

// AppNames returns the configured application names in sorted order.
func (t RoutingTable) AppNames() []string {
	names := make([]string, 0, len(t.Apps))
	for name := range t.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseRoutingTable decodes the routing document. Both the structured form and
// the flat {"app": "queue_url"} form are accepted; flat entries are enabled.
// App names, aliases and domains are lowercased.
func ParseRoutingTable(raw string) (RoutingTable, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return RoutingTable{}, fmt.Errorf("routing table is not a JSON object: %w", err)
	}

	var table RoutingTable
	_, hasApps := probe["apps"]
	_, hasDefault := probe["default_queue"]
	_, hasDomains := probe["domains"]

	if hasApps || hasDefault || hasDomains {
		if err := json.Unmarshal([]byte(raw), &table); err != nil {
			return RoutingTable{}, fmt.Errorf("invalid routing table: %w", err)
		}
	} else {
		flat := make(map[string]string, len(probe))
		if err := json.Unmarshal([]byte(raw), &flat); err != nil {
			return RoutingTable{}, fmt.Errorf("invalid flat routing map: %w", err)
		}
		table.Apps = make(map[string]AppRoute, len(flat))
		for app, url := range flat {
			table.Apps[app] = AppRoute{QueueURL: url, Enabled: true}
		}
	}

	return table.normalized(), nil
}

func (t RoutingTable) normalized() RoutingTable {
	out := RoutingTable{
		DefaultQueue: strings.TrimSpace(t.DefaultQueue),
		Apps:         make(map[string]AppRoute, len(t.Apps)),
	}
	for _, d := range t.Domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out.Domains = append(out.Domains, d)
		}
	}
	for name, route := range t.Apps {
		aliases := make([]string, 0, len(route.Aliases))
		for _, a := range route.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				aliases = append(aliases, a)
			}
		}
		route.Aliases = aliases
		route.QueueURL = strings.TrimSpace(route.QueueURL)
		out.Apps[strings.ToLower(strings.TrimSpace(name))] = route
	}
	return out
}

// ValidateQueueURL checks that url looks like an SQS queue URL. Plain http is
// only accepted when a custom endpoint (LocalStack) is configured.
func ValidateQueueURL(url string, allowInsecure bool) error {
	switch {
	case strings.HasPrefix(url, "https://sqs."):
		return nil
	case allowInsecure && (strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")):
		return nil
	default:
		return fmt.Errorf("invalid queue URL %q", url)
	}
}

// Validate checks every queue URL in the table and that aliases do not
// collide with application names or each other.
func (t RoutingTable) Validate(allowInsecure bool) error {
	if t.DefaultQueue != "" {
		if err := ValidateQueueURL(t.DefaultQueue, allowInsecure); err != nil {
			return fmt.Errorf("default queue: %w", err)
		}
	}

	owners := make(map[string]string, len(t.Apps))
	for _, name := range t.AppNames() {
		if name == "" {
			return fmt.Errorf("empty application name in routing table")
		}
		owners[name] = name
	}

	for _, name := range t.AppNames() {
		route := t.Apps[name]
		if err := ValidateQueueURL(route.QueueURL, allowInsecure); err != nil {
			return fmt.Errorf("app %s: %w", name, err)
		}
		for _, alias := range route.Aliases {
			if owner, taken := owners[alias]; taken && owner != name {
				return fmt.Errorf("alias %q of app %s already refers to %s", alias, name, owner)
			}
			owners[alias] = name
		}
	}
	return nil
}
