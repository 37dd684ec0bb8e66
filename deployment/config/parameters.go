package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ReadParametersFromFile reads module parameters from a JSON file keyed by module id and then parameter name. Numbers
// are kept as json.Number so large integers survive decoding.
func ReadParametersFromFile(path string) (map[string]map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	parameters := make(map[string]map[string]any)
	if err = decoder.Decode(&parameters); err != nil {
		return nil, errors.Wrapf(err, "could not parse the parameters in %s", path)
	}
	return parameters, nil
}

// MergeParameters adds the given parameters to the deployment configuration. Values already configured for the same
// module and name are replaced.
func (d *DeploymentConfig) MergeParameters(parameters map[string]map[string]any) {
	if d.Parameters == nil {
		d.Parameters = make(map[string]map[string]any, len(parameters))
	}
	for module, values := range parameters {
		if d.Parameters[module] == nil {
			d.Parameters[module] = make(map[string]any, len(values))
		}
		for name, value := range values {
			d.Parameters[module][name] = value
		}
	}
}
