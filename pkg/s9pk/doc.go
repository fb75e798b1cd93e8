// Package s9pk reads and writes StartOS package archives: a magic-prefixed
// merkle archive carrying a manifest, images, and static assets. Opening a
// package verifies the signature and the tree before anything is trusted.
package s9pk
