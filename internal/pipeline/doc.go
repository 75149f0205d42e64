// Package pipeline translates and synthesizes finished sentences
// concurrently and emits the results in the order the sentences were spoken.
package pipeline
