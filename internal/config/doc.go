// Package config loads and validates the YAML configuration shared by the
// relay server and the speaker and listener clients.
//
// Environment references such as ${GEMINI_API_KEY} are expanded before the
// file is parsed, so backend credentials can be injected at start-up and
// never need to be written into the file.
package config
