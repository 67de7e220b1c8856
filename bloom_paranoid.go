//go:build kensaku_paranoid

package kensaku

// bloomParanoid disables the bloom pre-filter and re-checks the filter
// against actual match results instead, so filter bugs surface as panics
// rather than missed matches.
const bloomParanoid = true
