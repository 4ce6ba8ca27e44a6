package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in raw YAML bytes before
// parsing, the same shell-style expansion tarsy's pkg/config/envexpand.go
// applies. Missing variables expand to empty string; Validate is
// responsible for catching required fields left empty by that.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
