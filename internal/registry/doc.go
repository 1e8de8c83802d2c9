// Package registry holds the static partition layout: which partitions
// exist, the services and interrupts each one exposes, and the signal bit
// wired to each. The layout is fixed at build time; Register validates a
// partition completely before admitting it, so a rejected partition leaves
// no trace.
//
// Layouts are built programmatically or loaded from a YAML manifest.
package registry
