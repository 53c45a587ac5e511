package config

import parser "github.com/mxrelay/mxrelay/framework/cfgparser"

// Node is the parsed directive/block type Map operates on. The directive
// parser itself lives in framework/cfgparser to keep the grammar
// independent of the reflection-based binding engine here.
type Node = parser.Node

// NodeErr re-exports the parser's location-annotated error constructor for
// callers that only import this package.
func NodeErr(n Node, f string, args ...interface{}) error {
	return parser.NodeErr(n, f, args...)
}
