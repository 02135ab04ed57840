package instrument

import (
	"regexp"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/buildid"
	"github.com/newrelic/newrelic-android-agent-sub003/config"
)

// Agent classes and annotations the rewriter knows by name.
const (
	AgentPackage        = "com/newrelic/agent/android"
	NewRelicClass       = "com/newrelic/agent/android/NewRelic"
	CrashClass          = "com/newrelic/agent/android/crash/Crash"
	AgentClass          = "com/newrelic/agent/android/Agent"
	AnnotationPrefix    = "Lcom/newrelic/agent/android/instrumentation/"
	InstrumentedTag     = "Lcom/newrelic/agent/android/instrumentation/Instrumented;"
	TraceAnnotation     = "Lcom/newrelic/agent/android/instrumentation/Trace;"
	SkipTraceAnnotation = "Lcom/newrelic/agent/android/instrumentation/SkipTrace;"
)

var (
	androidPackage = regexp.MustCompile(`^androidx?/.*`)
	kotlinPackage  = regexp.MustCompile(`^kotlinx?/.*`)
)

// Category is the rewrite chain selected for a class.
type Category int

const (
	// CategoryGeneral gets the full chain.
	CategoryGeneral Category = iota
	// CategoryAgent is one of the agent classes patched at build time.
	CategoryAgent
	// CategoryNavigation is a Jetpack navigation class.
	CategoryNavigation
	// CategorySDK is a platform or Kotlin SDK class; only lifecycle
	// delegates apply.
	CategorySDK
	// CategoryExcluded classes produce no output at all.
	CategoryExcluded
)

func (c Category) String() string {
	switch c {
	case CategoryAgent:
		return "agent"
	case CategoryNavigation:
		return "navigation"
	case CategorySDK:
		return "sdk"
	case CategoryExcluded:
		return "excluded"
	}
	return "general"
}

// Options select what the rewrite chains do.
type Options struct {
	Disabled            bool
	DefaultInteractions bool
	ComposeNavigation   bool
	Variant             string
	AgentVersion        string

	// Include wins over Exclude. Both hold internal-name prefixes.
	Include []string
	Exclude []string

	BuildIDs *buildid.Registry
}

// DefaultOptions mirrors config.Default.
func DefaultOptions() *Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps the configuration file onto dispatcher options.
func OptionsFromConfig(c *config.Config) *Options {
	ids := buildid.New()
	ids.SetPerVariant(c.Instrumentation.VariantBuildIDs)
	return &Options{
		Disabled:            c.Instrumentation.Disabled,
		DefaultInteractions: c.Instrumentation.DefaultInteractions,
		ComposeNavigation:   c.Instrumentation.ComposeNavigation,
		Variant:             c.Instrumentation.Variant,
		AgentVersion:        c.Instrumentation.AgentVersion,
		Include:             c.Instrumentation.Include,
		Exclude:             c.Instrumentation.Exclude,
		BuildIDs:            ids,
	}
}

func hasPrefixFold(name string, prefixes []string) bool {
	lower := strings.ToLower(name)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// IsIncluded reports whether the class matches an inclusion prefix.
func (o *Options) IsIncluded(className string) bool {
	return hasPrefixFold(className, o.Include)
}

// IsExcluded reports whether the class matches an exclusion prefix and no
// inclusion prefix.
func (o *Options) IsExcluded(className string) bool {
	if o.IsIncluded(className) {
		return false
	}
	return hasPrefixFold(className, o.Exclude)
}

// IsAndroidSDK reports whether the class lives in an android, androidx,
// kotlin or kotlinx package.
func IsAndroidSDK(className string) bool {
	lower := strings.ToLower(className)
	return androidPackage.MatchString(lower) || kotlinPackage.MatchString(lower)
}

// IsAgentClass reports whether the class is one patched at build time.
func IsAgentClass(className string) bool {
	switch className {
	case NewRelicClass, CrashClass, AgentClass:
		return true
	}
	return false
}

// Classify picks the rewrite chain for a class. The checks run in
// priority order: agent classes, Jetpack navigation, SDK packages,
// exclusions, then everything else.
func (o *Options) Classify(className string) Category {
	switch {
	case IsAgentClass(className):
		return CategoryAgent
	case strings.HasPrefix(className, "androidx/navigation/"):
		return CategoryNavigation
	case IsAndroidSDK(className):
		return CategorySDK
	case o.IsExcluded(className):
		return CategoryExcluded
	}
	return CategoryGeneral
}
