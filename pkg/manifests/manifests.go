// Package manifests lists the project types the remote service can import from
// source control and the manifest file patterns that identify them.
package manifests

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// Category groups project types.
type Category string

const (
	CategoryPackageManager Category = "package-manager"
	CategoryCloudConfig    Category = "cloud-config"
)

// Entitlements that gate some project types.
const (
	EntitlementDockerfileFromSCM   = "dockerfileFromScm"
	EntitlementInfrastructureAsCode = "infrastructureAsCode"
)

// ProjectType describes one importable project type.
type ProjectType struct {
	Name        string
	Category    Category
	Patterns    []string
	Supported   bool
	Entitlement string
}

// projectTypes is ordered: package managers first, then cloud configs.
var projectTypes = []ProjectType{
	{Name: "npm", Category: CategoryPackageManager, Patterns: []string{"package.json"}, Supported: true},
	{Name: "rubygems", Category: CategoryPackageManager, Patterns: []string{"Gemfile.lock"}, Supported: true},
	{Name: "yarn", Category: CategoryPackageManager, Patterns: []string{"yarn.lock"}, Supported: true},
	{Name: "yarn-workspace", Category: CategoryPackageManager, Patterns: []string{"yarn.lock"}, Supported: true},
	{Name: "maven", Category: CategoryPackageManager, Patterns: []string{"pom.xml"}, Supported: true},
	{Name: "gradle", Category: CategoryPackageManager, Patterns: []string{"build.gradle"}, Supported: true},
	{Name: "sbt", Category: CategoryPackageManager, Patterns: []string{"build.sbt"}, Supported: true},
	{Name: "pip", Category: CategoryPackageManager, Patterns: []string{"*req*.txt", "requirements/*.txt"}, Supported: true},
	{Name: "poetry", Category: CategoryPackageManager, Patterns: []string{"pyproject.toml"}},
	{Name: "golangdep", Category: CategoryPackageManager, Patterns: []string{"Gopkg.lock"}, Supported: true},
	{Name: "govendor", Category: CategoryPackageManager, Patterns: []string{"vendor.json"}, Supported: true},
	{Name: "gomodules", Category: CategoryPackageManager, Patterns: []string{"go.mod"}, Supported: true},
	{Name: "nuget", Category: CategoryPackageManager, Patterns: []string{
		"packages.config",
		"*.csproj",
		"*.fsproj",
		"*.vbproj",
		"project.json",
		"project.assets.json",
		"*.targets",
		"*.props",
		"packages*.lock.json",
		"global.json",
	}, Supported: true},
	{Name: "paket", Category: CategoryPackageManager, Patterns: []string{"paket.dependencies"}},
	{Name: "composer", Category: CategoryPackageManager, Patterns: []string{"composer.lock"}, Supported: true},
	{Name: "cocoapods", Category: CategoryPackageManager, Patterns: []string{"Podfile"}, Supported: true},
	{Name: "dockerfile", Category: CategoryPackageManager, Patterns: []string{
		"*[dD][oO][cC][kK][eE][rR][fF][iI][lL][eE]*",
		"*Dockerfile*",
	}, Supported: true, Entitlement: EntitlementDockerfileFromSCM},
	{Name: "hex", Category: CategoryPackageManager, Patterns: []string{"mix.exs"}},

	{Name: "helmconfig", Category: CategoryCloudConfig, Patterns: []string{"templates/*.yaml", "templates/*.yml", "Chart.yaml"}, Supported: true, Entitlement: EntitlementInfrastructureAsCode},
	{Name: "k8sconfig", Category: CategoryCloudConfig, Patterns: []string{"*.yaml", "*.yml", "*.json"}, Supported: true, Entitlement: EntitlementInfrastructureAsCode},
	{Name: "terraformconfig", Category: CategoryCloudConfig, Patterns: []string{"*.tf"}, Supported: true, Entitlement: EntitlementInfrastructureAsCode},
}

// All returns a copy of the project type table.
func All() []ProjectType {
	out := make([]ProjectType, len(projectTypes))
	for i, pt := range projectTypes {
		pt.Patterns = slices.Clone(pt.Patterns)
		out[i] = pt
	}
	return out
}

// Lookup returns the project type called name.
func Lookup(name string) (ProjectType, bool) {
	for _, pt := range projectTypes {
		if pt.Name == name {
			pt.Patterns = slices.Clone(pt.Patterns)
			return pt, true
		}
	}
	return ProjectType{}, false
}

// SupportedProjectTypes returns the names of every type that can be imported
// from source control.
func SupportedProjectTypes() []string {
	var names []string
	for _, pt := range projectTypes {
		if pt.Supported {
			names = append(names, pt.Name)
		}
	}
	return names
}

// SCMSupportedManifests returns the distinct manifest patterns of the
// supported types. A nil types slice selects every type. Types that need an
// entitlement are included only when it is in entitlements.
func SCMSupportedManifests(types []string, entitlements []string) []string {
	seen := make(map[string]struct{})
	var patterns []string

	for _, pt := range projectTypes {
		if !pt.Supported {
			continue
		}
		if types != nil && !slices.Contains(types, pt.Name) {
			continue
		}
		if pt.Entitlement != "" && !slices.Contains(entitlements, pt.Entitlement) {
			continue
		}
		for _, p := range pt.Patterns {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			patterns = append(patterns, p)
		}
	}
	return patterns
}

type compiledPattern struct {
	glob     glob.Glob
	segments int
}

// Matcher tests file paths against a set of manifest patterns. A pattern is
// matched against as many trailing path segments as it has.
type Matcher struct {
	patterns []compiledPattern
}

// NewMatcher compiles patterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compile manifest pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, compiledPattern{
			glob:     g,
			segments: strings.Count(p, "/") + 1,
		})
	}
	return m, nil
}

// Match reports whether filePath matches any pattern.
func (m *Matcher) Match(filePath string) bool {
	segments := strings.Split(path.Clean(strings.TrimPrefix(filePath, "/")), "/")
	for _, p := range m.patterns {
		if p.segments > len(segments) {
			continue
		}
		tail := strings.Join(segments[len(segments)-p.segments:], "/")
		if p.glob.Match(tail) {
			return true
		}
	}
	return false
}

// Matches reports whether filePath looks like a manifest of any supported
// type, with every entitlement granted.
func Matches(filePath string) bool {
	return defaultMatcher.Match(filePath)
}

var defaultMatcher = mustMatcher(SCMSupportedManifests(nil, []string{
	EntitlementDockerfileFromSCM,
	EntitlementInfrastructureAsCode,
}))

func mustMatcher(patterns []string) *Matcher {
	m, err := NewMatcher(patterns)
	if err != nil {
		panic(err)
	}
	return m
}
