//go:build !kensaku_paranoid

package kensaku

// bloomParanoid disables the bloom pre-filter and re-checks the filter
// against actual match results instead. Off in normal builds.
const bloomParanoid = false
