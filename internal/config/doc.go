// Package config defines the dumpctl settings and provides helpers to load,
// validate and save them in YAML format.
//
// Settings come from a YAML file; fields it leaves empty are filled from the
// process environment and a dotenv file, then Validate fills built-in
// defaults, including the MusicBrainz and ListenBrainz dataset definitions.
package config
