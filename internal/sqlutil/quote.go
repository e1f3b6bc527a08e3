// Package sqlutil provides SQL dialects, identifier quoting, and the mutable
// query value threaded through the compilers.
package sqlutil

import "strings"

// QuoteIdentifier quotes a MySQL identifier with backticks.
func QuoteIdentifier(name string) string { return quoteWith(name, "`") }

// QuoteIdentifierANSI quotes an identifier with double quotes.
func QuoteIdentifierANSI(name string) string { return quoteWith(name, `"`) }

// quoteWith wraps name in q, doubling any q inside it.
func quoteWith(name, q string) string {
	return q + strings.ReplaceAll(name, q, q+q) + q
}
