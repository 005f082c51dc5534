// Package config loads YAML configuration for FIXLINK controllers and
// devices.
//
// Both files are optional: the Default* constructors return a working
// configuration and a file only overrides the keys it names. Unknown keys
// are rejected so typos surface at startup.
//
// Example device file:
//
//	listen: ":5568"
//	identity:
//	  device_id: par64-01
//	  manufacturer: acme
//	  model: par64
//	key_seed: 8f3c...e1
//	capabilities:
//	  formats: [8, 16]
//	  max_channels: 64
//	  streaming: true
//	session:
//	  inactivity_timeout: 30s
//	  keepalive_interval: 5s
package config
