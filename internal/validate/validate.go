package validate

import "regexp"

// OpNameRe matches valid operation and argument tokens. Tokens are passed
// verbatim as argv elements of the spawned program, so the character set
// stays deliberately narrow: no whitespace, no shell metacharacters, no
// path separators, no uppercase.
var OpNameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// MaxOpNameLen is the maximum length for operation and argument tokens.
const MaxOpNameLen = 64

// OpName validates a string as a safe operation or argument token.
func OpName(s string) bool {
	return len(s) > 0 && len(s) <= MaxOpNameLen && OpNameRe.MatchString(s)
}

// InstanceRe matches valid instance names used for on-disk directories.
var InstanceRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// MaxInstanceLen is the maximum length for instance names.
const MaxInstanceLen = 128

// Instance validates a string as a valid instance name.
func Instance(s string) bool {
	return len(s) > 0 && len(s) <= MaxInstanceLen && InstanceRe.MatchString(s)
}
