// Package helpdocs answers "how do I call this" questions about AWS CLI
// operations and the broker's own workflows. The operation catalog is a
// curated embedded file, not the full CLI surface; unknown operations get
// nearest-name suggestions instead of a flat miss.
package helpdocs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Parameter documents one CLI flag.
type Parameter struct {
	Name        string `yaml:"name" json:"cli_name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
	Description string `yaml:"description" json:"description"`
}

// Operation documents one service action.
type Operation struct {
	Description string      `yaml:"description" json:"description"`
	Parameters  []Parameter `yaml:"parameters" json:"parameters"`
}

// Service groups the operations of one AWS CLI service.
type Service struct {
	Description string               `yaml:"description" json:"description"`
	Operations  map[string]Operation `yaml:"operations" json:"-"`
}

type catalog struct {
	Services map[string]Service `yaml:"services"`
}

var (
	loadOnce sync.Once
	loaded   catalog
	loadErr  error
)

func load() (catalog, error) {
	loadOnce.Do(func() {
		loadErr = yaml.Unmarshal(catalogYAML, &loaded)
	})
	return loaded, loadErr
}

// OperationHelp is the answer to a help lookup.
type OperationHelp struct {
	Service     string      `json:"service"`
	Operation   string      `json:"operation"`
	APIName     string      `json:"api_name"`
	Description string      `json:"description"`
	Required    []string    `json:"required"`
	Parameters  []Parameter `json:"parameters"`
}

// Lookup resolves "aws <service> <operation>" (the aws prefix is optional)
// against the catalog.
func Lookup(command string) (*OperationHelp, error) {
	cat, err := load()
	if err != nil {
		return nil, fmt.Errorf("help catalog: %w", err)
	}

	parts := strings.Fields(command)
	if len(parts) > 0 && parts[0] == "aws" {
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid command format, expected: aws <service> <operation>, got: %q", command)
	}
	svcName, opName := parts[0], parts[1]

	svc, ok := cat.Services[svcName]
	if !ok {
		return nil, fmt.Errorf("unknown service %q; documented services: %s",
			svcName, strings.Join(ServiceNames(), ", "))
	}

	op, ok := svc.Operations[opName]
	if !ok {
		suggestions := similarOperations(opName, svc.Operations)
		if len(suggestions) > 0 {
			return nil, fmt.Errorf("unknown operation %q for service %s; similar: %s",
				opName, svcName, strings.Join(suggestions, ", "))
		}
		return nil, fmt.Errorf("unknown operation %q for service %s; try: aws %s help",
			opName, svcName, svcName)
	}

	help := &OperationHelp{
		Service:     svcName,
		Operation:   opName,
		APIName:     KebabToCamel(opName),
		Description: op.Description,
		Parameters:  op.Parameters,
	}
	for _, p := range op.Parameters {
		if p.Required {
			help.Required = append(help.Required, p.Name)
		}
	}
	return help, nil
}

// ServiceOperations lists every documented operation of one service.
func ServiceOperations(service string) ([]string, error) {
	cat, err := load()
	if err != nil {
		return nil, err
	}
	svc, ok := cat.Services[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q; documented services: %s",
			service, strings.Join(ServiceNames(), ", "))
	}
	ops := make([]string, 0, len(svc.Operations))
	for name := range svc.Operations {
		ops = append(ops, name)
	}
	sort.Strings(ops)
	return ops, nil
}

// ServiceNames lists the documented services.
func ServiceNames() []string {
	cat, err := load()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(cat.Services))
	for name := range cat.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// similarOperations ranks catalog operations by shared kebab segments and
// prefix overlap with the miss.
func similarOperations(target string, ops map[string]Operation) []string {
	targetWords := segmentSet(target)

	type scored struct {
		name  string
		score int
	}
	var ranked []scored
	for name := range ops {
		score := 0
		for w := range segmentSet(name) {
			if targetWords[w] {
				score += 10
			}
		}
		if len(target) >= 3 && strings.HasPrefix(name, target[:3]) {
			score += 5
		}
		if score > 0 {
			ranked = append(ranked, scored{name, score})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].name < ranked[j].name
	})

	out := make([]string, 0, 5)
	for _, s := range ranked {
		out = append(out, s.name)
		if len(out) == 5 {
			break
		}
	}
	return out
}

func segmentSet(kebab string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Split(kebab, "-") {
		if w != "" {
			set[w] = true
		}
	}
	return set
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// CamelToKebab converts an API operation name to its CLI spelling.
func CamelToKebab(name string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(name, "$1-$2"))
}

// KebabToCamel converts a CLI operation name to its API spelling.
func KebabToCamel(name string) string {
	parts := strings.Split(name, "-")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
