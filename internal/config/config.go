// Package config holds the runner settings and their validation rules.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when neither flag, env, nor config file supplies a value.
const (
	DefaultNamespace      = "conformance"
	DefaultFocus          = `\[Conformance\]`
	DefaultParallel       = 1
	DefaultVerbosity      = 4
	DefaultStartupTimeout = 5 * time.Minute
	DefaultReportFile     = "conformance-report.html"

	// DefaultConformanceRepo is completed with a tag derived from the
	// target cluster's server version at run time.
	DefaultConformanceRepo = "registry.k8s.io/conformance"
	DefaultBusyboxImage    = "registry.k8s.io/e2e-test-images/busybox:1.36.1-1"
)

var (
	ErrInvalidParallel  = errors.New("parallel must be at least 1")
	ErrInvalidVerbosity = errors.New("verbosity must be between 0 and 10")
	ErrInvalidTimeout   = errors.New("startup timeout must be positive")
	ErrInvalidNamespace = errors.New("namespace must be a valid DNS-1123 label")
)

// dns1123Label is the shape the apiserver enforces for namespace names.
var dns1123Label = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Settings is the resolved configuration for a single invocation.
// Precedence is flag > environment > config file > default; the resolution
// itself happens in the CLI layer through viper, this type only carries and
// validates the outcome.
type Settings struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`

	ConformanceImage string `mapstructure:"conformance-image"`
	BusyboxImage     string `mapstructure:"busybox-image"`

	Focus string `mapstructure:"focus"`
	Skip  string `mapstructure:"skip"`

	Parallel  int `mapstructure:"parallel"`
	Verbosity int `mapstructure:"verbosity"`

	OutputDir  string `mapstructure:"output-dir"`
	ReportPath string `mapstructure:"output"`

	TestRepo     string `mapstructure:"test-repo"`
	TestRepoList string `mapstructure:"test-repo-list"`

	ExtraArgs       []string `mapstructure:"extra-args"`
	ExtraGinkgoArgs []string `mapstructure:"extra-ginkgo-args"`

	StartupTimeout time.Duration `mapstructure:"startup-timeout"`

	Quiet       bool `mapstructure:"quiet"`
	DryRun      bool `mapstructure:"dry-run"`
	SkipCleanup bool `mapstructure:"skip-cleanup"`
}

// FromViper unmarshals the fully bound viper instance into Settings and
// fills derived defaults that depend on other values.
func FromViper(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}

	if s.Namespace == "" {
		s.Namespace = DefaultNamespace
	}
	if s.Focus == "" {
		s.Focus = DefaultFocus
	}
	if s.OutputDir == "" {
		s.OutputDir = "."
	}
	if s.ReportPath == "" {
		s.ReportPath = filepath.Join(s.OutputDir, DefaultReportFile)
	}
	if s.BusyboxImage == "" {
		s.BusyboxImage = DefaultBusyboxImage
	}
	if s.StartupTimeout == 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.Parallel == 0 {
		s.Parallel = DefaultParallel
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the apiserver or the e2e suite would choke on.
func (s *Settings) Validate() error {
	if s.Parallel < 1 {
		return ErrInvalidParallel
	}
	if s.Verbosity < 0 || s.Verbosity > 10 {
		return ErrInvalidVerbosity
	}
	if s.StartupTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if !dns1123Label.MatchString(s.Namespace) || len(s.Namespace) > 63 {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, s.Namespace)
	}
	if _, err := regexp.Compile(s.Focus); err != nil {
		return fmt.Errorf("compiling focus regex %q: %w", s.Focus, err)
	}
	if s.Skip != "" {
		if _, err := regexp.Compile(s.Skip); err != nil {
			return fmt.Errorf("compiling skip regex %q: %w", s.Skip, err)
		}
	}
	return nil
}

// ResolveConformanceImage fills in the conformance image when the user did
// not override it, deriving the tag from the target cluster's git version.
// Pre-release and build suffixes ("v1.32.2-gke.100") are stripped because
// upstream only publishes images for released versions.
func (s *Settings) ResolveConformanceImage(serverGitVersion string) {
	if s.ConformanceImage != "" {
		return
	}
	tag := serverGitVersion
	if i := strings.IndexAny(tag, "-+"); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		tag = "latest"
	}
	s.ConformanceImage = DefaultConformanceRepo + ":" + tag
}
