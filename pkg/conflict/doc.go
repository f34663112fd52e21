// Package conflict classifies and resolves replication conflicts surfaced
// by pkg/source/logicalsource's bidirectional mode: the same row changed
// on two nodes before either side's change reached the other.
package conflict
