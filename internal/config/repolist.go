package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RepoList maps the e2e suite's well-known registry keys to mirror
// locations. The file format is the one kubetest consumes via
// KUBE_TEST_REPO_LIST, a flat YAML map of registry names.
type RepoList map[string]string

// LoadRepoList reads and validates a test repo list file. The raw bytes are
// returned alongside the parsed map because the file is shipped verbatim to
// the conformance pod.
func LoadRepoList(path string) (RepoList, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading test repo list: %w", err)
	}

	var list RepoList
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, nil, fmt.Errorf("parsing test repo list %s: %w", path, err)
	}
	for k, v := range list {
		if v == "" {
			return nil, nil, fmt.Errorf("test repo list entry %q has an empty registry", k)
		}
	}
	return list, raw, nil
}
