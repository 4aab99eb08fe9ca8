// Package cache holds the clean-URL cache and the bypass/priority policy.
package cache

import "strings"

// Policy classifies URIs against known registries and decides whether a
// request may skip scanning outright.
type Policy struct {
	notableDomains map[string]string
}

// defaultNotableDomains maps well-known registry hosts to a category label.
// Used only for metrics aggregation, never as a security decision.
var defaultNotableDomains = map[string]string{
	"pypi.org":                      "python",
	"files.pythonhosted.org":        "python",
	"registry.npmjs.org":            "node",
	"repo.maven.apache.org":         "java",
	"github.com":                    "github",
	"objects.githubusercontent.com": "github",
	"get.docker.com":                "docker",
	"registry-1.docker.io":          "docker",
	"quay.io":                       "docker",
	"gcr.io":                        "docker",
	"ghcr.io":                       "docker",
	"registry.k8s.io":               "docker",
}

// NewPolicy returns the default policy; notableDomains overrides the
// registry map when non-nil.
func NewPolicy(notableDomains map[string]string) *Policy {
	if notableDomains == nil {
		notableDomains = defaultNotableDomains
	}
	return &Policy{notableDomains: notableDomains}
}

// NotableType returns the registry category of the URI, or "" when the URI
// matches no known registry.
func (p *Policy) NotableType(uri string) string {
	for domain, category := range p.notableDomains {
		// Substring match, same as the upstream classifier.
		if strings.Contains(uri, domain) {
			return category
		}
	}
	return ""
}

// ShouldBypass is the policy hook for allow-lists. Automatic bypass is
// disabled: only cache hits allow skipping a scan.
func (p *Policy) ShouldBypass(uri string) bool {
	return false
}

// PlanPriority maps a tenant plan to a scan priority class.
func PlanPriority(plan string) string {
	switch plan {
	case "premium", "enterprise", "business":
		return "high"
	}
	return "normal"
}
