// Package descriptor parses and formats package descriptors, the textual
// form pipcast uses to record an installed package in session
// configuration.
//
// # Grammar
//
//	descriptor := name [ "==" version ] [ "@" repository ]
//	list       := "" | descriptor { "," descriptor }
//
// Examples:
//
//	celery
//	arrow==0.12.1
//	package3==2.0.0@http://some-repo/
//
// The repository is split off at the last "@" and the version at the first
// "==" inside the remaining name segment. Names may contain letters,
// digits, '.', '_' and '-'. Repositories must be http(s) URLs built from a
// restricted character set so they can be passed to pip without quoting.
//
// For every well-formed s, Format(Parse(s)) == s.
package descriptor
