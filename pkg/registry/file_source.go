package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// FileSource loads handler bindings from a YAML file of the form:
//
//	handlers:
//	  - handler_class: echo
//	    request_type: echo
//	    owner_user_id: alice
//	    ttl_minutes: 5
//	    streaming: false
//	    default_response_channels: [WebSocket]
type FileSource struct {
	Path string
}

type handlersFile struct {
	Handlers []*models.HandlerConfig `yaml:"handlers"`
}

// Load reads and parses the handlers file.
func (s *FileSource) Load() ([]*models.HandlerConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}
	var f handlersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	return f.Handlers, nil
}

// StaticSource serves a fixed set of bindings. Used by tests and embedded
// setups.
type StaticSource struct {
	Configs []*models.HandlerConfig
}

// Load returns the fixed bindings.
func (s *StaticSource) Load() ([]*models.HandlerConfig, error) {
	return s.Configs, nil
}
