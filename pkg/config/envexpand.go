package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content using the
// standard library. Missing variables expand to empty string; Validate
// does not check string fields, so a field emptied this way is not
// reported by it.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
